package mes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/moldline/mesmon/pkg/config"
	"github.com/moldline/mesmon/pkg/logging"
)

const (
	appTokenPath  = "/auth/open/v1/access_token/_get_access_token"
	userTokenPath = "/auth/open/v1/access_token/_get_user_token"

	transportRetries = 3
	retryBackoff     = 500 * time.Millisecond
)

// TokenBroker owns the MES token cache. The two-stage flow obtains an app
// access token and, when a user grant code is configured, exchanges it for a
// user access token. All callers share one cached token; the mutex collapses
// concurrent refreshes to a single in-flight request.
type TokenBroker struct {
	cfg   config.MES
	httpc *http.Client
	log   logging.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenBroker creates a broker from MES credentials configuration.
func NewTokenBroker(cfg config.MES, log logging.Logger) *TokenBroker {
	return &TokenBroker{
		cfg:   cfg,
		httpc: &http.Client{Timeout: config.MESRequestTimeout},
		log:   log,
	}
}

// Token returns a token valid for at least the next few seconds, refreshing
// when none is cached or expiry is near.
func (b *TokenBroker) Token(ctx context.Context) (string, error) {
	if b.cfg.AccessToken != "" {
		return b.cfg.AccessToken, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && time.Until(b.expiresAt) > config.TokenEarlyRefresh {
		return b.token, nil
	}
	return b.refreshLocked(ctx)
}

// ForceRefresh invalidates the cache and fetches fresh tokens. stale is the
// token the caller saw a 401 with; if another caller already replaced it,
// the current token is returned without a second refresh.
func (b *TokenBroker) ForceRefresh(ctx context.Context, stale string) (string, error) {
	if b.cfg.AccessToken != "" {
		return b.cfg.AccessToken, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && b.token != stale {
		return b.token, nil
	}
	b.token = ""
	return b.refreshLocked(ctx)
}

// refreshLocked runs the two-stage token flow. Caller must hold b.mu.
func (b *TokenBroker) refreshLocked(ctx context.Context) (string, error) {
	var app appTokenResponse
	body := map[string]string{"appKey": b.cfg.AppKey, "appSecret": b.cfg.AppSecret}
	if err := b.postJSON(ctx, b.cfg.BaseURL+appTokenPath, body, &app); err != nil {
		return "", err
	}
	if app.Code != 200 {
		return "", &AuthError{Code: app.Code, Message: app.Message}
	}

	appToken := app.Data.AppAccessToken
	ttl := time.Duration(app.Data.ExpiresIn)*time.Second - config.TokenTTLMargin
	if ttl < 0 {
		ttl = 0
	}

	token := appToken
	if b.cfg.UserCode != "" {
		var user userTokenResponse
		exchangeURL := b.cfg.BaseURL + userTokenPath + "?access_token=" + url.QueryEscape(appToken)
		body := map[string]string{"code": b.cfg.UserCode, "grantType": "authorization_code"}
		if err := b.postJSON(ctx, exchangeURL, body, &user); err != nil {
			return "", err
		}
		if user.Code != 200 {
			return "", &AuthError{Code: user.Code, Message: user.Message}
		}
		token = user.Data.UserAccessToken
	}

	b.token = token
	b.expiresAt = time.Now().Add(ttl)
	b.log.Infof("mes token refreshed, valid until %s", b.expiresAt.Format(time.RFC3339))
	return token, nil
}

// postJSON posts a JSON body and decodes the response, retrying transport
// failures with short backoff.
func (b *TokenBroker) postJSON(ctx context.Context, rawURL string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode token request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < transportRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff * time.Duration(1<<(attempt-1))):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.httpc.Do(req)
		if err != nil {
			lastErr = &TransportError{Op: "token refresh", Err: err}
			b.log.Warnf("token request attempt %d/%d failed: %v", attempt+1, transportRetries, err)
			continue
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			lastErr = &TransportError{Op: "token decode", Err: err}
			continue
		}
		return nil
	}
	return lastErr
}
