package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/noah-isme/order-console/internal/common"
)

// BodyLimit enforces a maximum request payload size on session writes.
type BodyLimit struct {
	Max int64
}

// Middleware rejects requests exceeding the configured limit with HTTP 413.
// The body is buffered so handlers can decode it more than once.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			tooLarge(w, b.Max)
			return
		}

		buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.Max))
		_ = r.Body.Close()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				tooLarge(w, b.Max)
				return
			}
			common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", nil)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

func tooLarge(w http.ResponseWriter, limit int64) {
	common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request entity too large", map[string]int64{"limit": limit})
}
