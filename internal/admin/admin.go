package admin

import (
	"encoding/json"
	"net/http"

	"github.com/nullbridge/apigw/internal/gwerr"
	"github.com/nullbridge/apigw/internal/logbuffer"
	"github.com/nullbridge/apigw/internal/store"
)

// Handlers implements C8's HTTP surface against a Store and a Buffer.
type Handlers struct {
	Store *store.Store
	Logs  *logbuffer.Buffer
}

type logRecordJSON struct {
	TimestampMS int64  `json:"timestamp_ms"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	StatusCode  int    `json:"status_code"`
	APIKey      string `json:"api_key,omitempty"`
	TargetURL   string `json:"target_url,omitempty"`
	IP          string `json:"ip"`
	Message     string `json:"message"`
}

// GetLogs handles GET /admin/logs.
func (h *Handlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	recs := h.Logs.Snapshot()
	out := make([]logRecordJSON, len(recs))
	for i, rec := range recs {
		out[i] = logRecordJSON{
			TimestampMS: rec.TimestampMS,
			Method:      rec.Method,
			Path:        rec.Path,
			StatusCode:  rec.StatusCode,
			APIKey:      rec.APIKey,
			TargetURL:   rec.TargetURL,
			IP:          rec.IP,
			Message:     rec.Message,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ClearLogs handles DELETE /admin/logs.
func (h *Handlers) ClearLogs(w http.ResponseWriter, r *http.Request) {
	h.Logs.Clear()
	w.WriteHeader(http.StatusNoContent)
}

type apiKeyJSON struct {
	Key       string         `json:"key"`
	Name      string         `json:"name,omitempty"`
	RateLimit *rateLimitJSON `json:"rate_limit,omitempty"`
}

type rateLimitJSON struct {
	IntervalMS int64 `json:"interval_ms"`
	Limit      int64 `json:"limit"`
}

// GetKeys handles GET /admin/keys.
func (h *Handlers) GetKeys(w http.ResponseWriter, r *http.Request) {
	keys := h.Store.ListKeys()
	out := make([]apiKeyJSON, len(keys))
	for i, k := range keys {
		kj := apiKeyJSON{Key: k.Key, Name: k.Name}
		if k.RateLimit != nil {
			kj.RateLimit = &rateLimitJSON{IntervalMS: k.RateLimit.IntervalMS, Limit: k.RateLimit.Limit}
		}
		out[i] = kj
	}
	writeJSON(w, http.StatusOK, out)
}

type setPolicyRequest struct {
	Key       string         `json:"key"`
	RateLimit *rateLimitJSON `json:"rate_limit"`
}

// SetKeyPolicy handles POST /admin/key-policy.
func (h *Handlers) SetKeyPolicy(w http.ResponseWriter, r *http.Request) {
	var req setPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGatewayError(w, gwerr.New(gwerr.BadRequest, "malformed request body"))
		return
	}
	if req.Key == "" {
		writeGatewayError(w, gwerr.New(gwerr.BadRequest, "key is required"))
		return
	}

	var policy *store.RateLimitPolicy
	if req.RateLimit != nil {
		if req.RateLimit.IntervalMS <= 0 {
			writeGatewayError(w, gwerr.New(gwerr.BadRequest, "rate_limit.interval_ms must be > 0"))
			return
		}
		if req.RateLimit.Limit < 0 {
			writeGatewayError(w, gwerr.New(gwerr.BadRequest, "rate_limit.limit must be >= 0"))
			return
		}
		policy = &store.RateLimitPolicy{IntervalMS: req.RateLimit.IntervalMS, Limit: req.RateLimit.Limit}
	}

	if err := h.Store.SetPolicy(req.Key, policy); err != nil {
		writeGatewayError(w, gwerr.New(gwerr.UnknownKey, "unknown key"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeGatewayError(w http.ResponseWriter, ge *gwerr.Error) {
	writeJSON(w, ge.Status(), map[string]string{"error": ge.Message})
}
