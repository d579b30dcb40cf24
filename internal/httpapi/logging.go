package httpapi

import (
	"log/slog"
	"net/http"
	"time"
)

type requestLogger struct {
	log  *slog.Logger
	next http.Handler
}

func newLogger(log *slog.Logger, next http.Handler) *requestLogger {
	return &requestLogger{log: log, next: next}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status        int
	size          int
	headerWritten bool
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	if lrw.headerWritten {
		return
	}
	lrw.status = code
	lrw.headerWritten = true
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

func (l *requestLogger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lrw := &loggingResponseWriter{ResponseWriter: w}

	defer func() {
		dur := time.Since(start).Milliseconds()
		if rec := recover(); rec != nil {
			l.log.Error(r.Method+" "+r.URL.Path, slog.Any("panic", rec), slog.Int("status", http.StatusInternalServerError), slog.Int64("ms", dur))
			if !lrw.headerWritten {
				writeError(lrw, http.StatusInternalServerError, "internal server error")
			}
			return
		}
		l.log.Info(r.Method+" "+r.URL.Path, slog.Int("status", lrw.status), slog.Int("bytes", lrw.size), slog.Int64("ms", dur))
	}()

	l.next.ServeHTTP(lrw, r)
}
