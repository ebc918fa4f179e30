// Package middleware wraps the load handler with request tagging, access
// logging, in-flight accounting and panic recovery.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/yihanhsi-cmu-S25/load-generator/internal/log"
)

// HeaderRequestID is echoed on every response.
const HeaderRequestID = "X-Request-Id"

// Middleware decorates an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies mws so that the first one is the outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// RequestID tags the request with an id, taken from the inbound header when
// present, and stores a logger carrying it in the request context.
func RequestID(base *logrus.Entry) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if id == "" {
				id = uuid.New().String()
			}
			w.Header().Set(HeaderRequestID, id)

			entry := base.WithField("request_id", id)
			next.ServeHTTP(w, r.WithContext(log.WithLogger(r.Context(), entry)))
		})
	}
}

// Tracker counts requests currently inside the handler.
type Tracker struct {
	inFlight atomic.Int64
	total    atomic.Uint64
}

// Enter marks a request as started; the returned func marks it done.
func (t *Tracker) Enter() (leave func()) {
	t.inFlight.Inc()
	t.total.Inc()
	return func() {
		t.inFlight.Dec()
	}
}

// InFlight is the number of requests being handled right now.
func (t *Tracker) InFlight() int64 {
	return t.inFlight.Load()
}

// Total is the number of requests seen since start.
func (t *Tracker) Total() uint64 {
	return t.total.Load()
}

// AccessLog logs one line per request once the handler returns, including
// the time spent in the load phases.
func AccessLog(tracker *Tracker) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			leave := tracker.Enter()
			defer leave()

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r)

			log.G(r.Context()).WithFields(logrus.Fields{
				"method":    r.Method,
				"uri":       r.RequestURI,
				"remote":    r.RemoteAddr,
				"status":    rw.Status(),
				"bytes":     rw.written,
				"duration":  time.Since(start),
				"in_flight": tracker.InFlight(),
			}).Info("request completed")
		})
	}
}

// Recover turns a handler panic into a logged error and, if nothing was
// written yet, a 500 response.
func Recover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw, ok := w.(*responseWriter)
			if !ok {
				rw = &responseWriter{ResponseWriter: w}
			}
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					log.G(r.Context()).WithFields(logrus.Fields{
						"panic": p,
						"stack": string(debug.Stack()),
					}).Error("handler panicked")
					if rw.status == 0 {
						http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					}
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *responseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Flush lets the handler push the acknowledgment before the load phases.
func (w *responseWriter) Flush() {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
