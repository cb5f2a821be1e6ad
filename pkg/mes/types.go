package mes

import (
	"strconv"
	"strings"
)

// RawRecord is one telemetry sample as the MES returns it. The upstream is
// loose about value typing: val arrives sometimes as a JSON string,
// sometimes as a number, so it is decoded as interface{} and coerced later.
type RawRecord struct {
	ParamID    string      `json:"paramId"`
	ParamCode  string      `json:"paramCode"`
	ParamName  string      `json:"paramName"`
	ParamUnit  string      `json:"paramUnit"`
	RecordTime *int64      `json:"recordTime"` // millisecond epoch
	Val        interface{} `json:"val"`
}

// Value coerces the raw val into a float64. The second return is false for
// null, empty or unparsable values; such records are discarded silently.
func (r RawRecord) Value() (float64, bool) {
	switch v := r.Val.(type) {
	case nil:
		return 0, false
	case float64:
		return v, true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Sample is a classified (timestamp, value) pair.
type Sample struct {
	TS    int64 // millisecond epoch
	Value float64
}

// envelope is the common MES response wrapper.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type appTokenResponse struct {
	envelope
	Data struct {
		AppAccessToken string `json:"appAccessToken"`
		ExpiresIn      int64  `json:"expiresIn"` // seconds
	} `json:"data"`
}

type userTokenResponse struct {
	envelope
	Data struct {
		UserAccessToken string `json:"userAccessToken"`
	} `json:"data"`
}

type pageListResponse struct {
	envelope
	Data struct {
		Page  int         `json:"page"`
		Total int         `json:"total"`
		List  []RawRecord `json:"list"`
	} `json:"data"`
}
