package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"go.uber.org/zap"

	"creditscribe.org/internal/audit"
	"creditscribe.org/internal/fault"
	"creditscribe.org/internal/obs"
)

type errorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError classifies err and renders it. Internal failures are logged
// with their cause; the client only sees the generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe := fault.From(err)
	if fe.TextCode == fault.CodeInternal {
		obs.Logger().Error("request_failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeFault(w, r, fe)
}

func writeFault(w http.ResponseWriter, r *http.Request, fe *goerrors.Error) {
	if fe.Code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="creditscribe"`)
	}
	writeJSON(w, fe.Code, errorResponse{
		Error:     fe.Message,
		Code:      fe.TextCode,
		Details:   fe.Metadata,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

// decodeJSON reads exactly one JSON object. Numbers are kept as
// json.Number so amounts can be validated without float rounding.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fault.Validation("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fault.Validation("request body too large")
		}
		return fault.Validation("invalid JSON body: " + err.Error())
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fault.Validation("unexpected data after JSON body")
	}
	return nil
}
