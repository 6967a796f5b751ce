package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger builds the process logger. format "console" or "text" selects the
// human-readable writer; anything else writes JSON lines. Unknown levels fall
// back to info.
func NewLogger(format, level string) zerolog.Logger {
	return newLogger(os.Stdout, format, level)
}

func newLogger(w io.Writer, format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// RequestLogger writes one line per API request. Server errors log at error
// level, client errors at warn.
type RequestLogger struct {
	Logger zerolog.Logger
}

// Middleware implements chi middleware.
func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := wrapWriter(w)
		start := time.Now()
		next.ServeHTTP(rw, r)

		var evt *zerolog.Event
		switch {
		case rw.status >= http.StatusInternalServerError:
			evt = l.Logger.Error()
		case rw.status >= http.StatusBadRequest:
			evt = l.Logger.Warn()
		default:
			evt = l.Logger.Info()
		}
		route := routeOf(r)
		if route == "" {
			route = r.URL.Path
		}
		evt = evt.
			Str("method", r.Method).
			Str("route", route).
			Int("status", rw.status).
			Dur("took", time.Since(start)).
			Int64("bytes", rw.bytes)
		if id := middleware.GetReqID(r.Context()); id != "" {
			evt = evt.Str("request_id", id)
		}
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			evt = evt.Str("trace_id", sc.TraceID().String())
		}
		if sid := chi.URLParam(r, "sessionID"); sid != "" {
			evt = evt.Str("session_id", sid)
		}
		evt.Msg("request")
	})
}
