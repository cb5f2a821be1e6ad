package mes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/moldline/mesmon/pkg/config"
	"github.com/moldline/mesmon/pkg/logging"
)

const monitorPath = "/resource/open/v1/resource_monitor/_page_list"

// PageOptions tunes a paged monitoring query.
type PageOptions struct {
	ParamTypes []int
	ParamCodes []string
	PageSize   int
	MaxRecords int
}

func (o PageOptions) withDefaults() PageOptions {
	if o.PageSize <= 0 {
		o.PageSize = config.MESPageSize
	}
	if o.MaxRecords <= 0 {
		o.MaxRecords = config.MESMaxRecords
	}
	return o
}

// Client posts paged queries to the MES resource-monitor endpoint. It does
// not retry transport failures; the caller decides. A 401 triggers exactly
// one forced token refresh and one retry of the same page.
type Client struct {
	baseURL string
	broker  *TokenBroker
	httpc   *http.Client
	log     logging.Logger
}

// NewClient creates a monitoring client sharing the given token broker.
func NewClient(cfg config.MES, broker *TokenBroker, log logging.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		broker:  broker,
		httpc:   &http.Client{Timeout: config.MESRequestTimeout},
		log:     log,
	}
}

type pageRequest struct {
	DeviceCode      string   `json:"deviceCode"`
	BeginRecordTime int64    `json:"beginRecordTime"`
	EndRecordTime   int64    `json:"endRecordTime"`
	Page            int      `json:"page"`
	Size            int      `json:"size"`
	SelectFlag      int      `json:"selectFlag"`
	ParamTypes      []int    `json:"paramTypes,omitempty"`
	ParamCodeList   []string `json:"paramCodeList,omitempty"`
}

// PageMonitoring fetches raw records for one device over [begin, end].
// Pages are requested sequentially from 1; accumulation stops on a short
// page, on reaching MaxRecords, or at the hard page limit.
func (c *Client) PageMonitoring(ctx context.Context, deviceCode string, begin, end time.Time, opts PageOptions) ([]RawRecord, error) {
	opts = opts.withDefaults()

	var records []RawRecord
	for page := 1; page <= config.MESMaxPages; page++ {
		list, err := c.fetchPage(ctx, pageRequest{
			DeviceCode:      deviceCode,
			BeginRecordTime: begin.UnixMilli(),
			EndRecordTime:   end.UnixMilli(),
			Page:            page,
			Size:            opts.PageSize,
			SelectFlag:      0,
			ParamTypes:      opts.ParamTypes,
			ParamCodeList:   opts.ParamCodes,
		})
		if err != nil {
			return nil, err
		}

		records = append(records, list...)
		if len(list) < opts.PageSize || len(records) >= opts.MaxRecords {
			break
		}
	}
	return records, nil
}

// fetchPage posts one page request, refreshing the token once on 401.
func (c *Client) fetchPage(ctx context.Context, req pageRequest) ([]RawRecord, error) {
	token, err := c.broker.Token(ctx)
	if err != nil {
		return nil, err
	}

	list, status, err := c.doPage(ctx, token, req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.log.Infof("mes returned 401 for device %s, forcing token refresh", req.DeviceCode)
		token, err = c.broker.ForceRefresh(ctx, token)
		if err != nil {
			return nil, err
		}
		list, status, err = c.doPage(ctx, token, req)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: still unauthorized after refresh", ErrAuthExpired)
		}
	}
	return list, nil
}

func (c *Client) doPage(ctx context.Context, token string, req pageRequest) ([]RawRecord, int, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("encode page request: %w", err)
	}

	endpoint := c.baseURL + monitorPath + "?access_token=" + url.QueryEscape(token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build page request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, 0, &TransportError{Op: "page monitoring", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, http.StatusUnauthorized, nil
	}

	var parsed pageListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, resp.StatusCode, &TransportError{Op: "page decode", Err: err}
	}
	if parsed.Code != 200 {
		return nil, resp.StatusCode, &UpstreamError{Code: parsed.Code, Message: parsed.Message}
	}
	return parsed.Data.List, resp.StatusCode, nil
}
