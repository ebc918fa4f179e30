// Package server exposes the load engine over HTTP.
package server

import (
	"context"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/yihanhsi-cmu-S25/load-generator/internal/config"
	"github.com/yihanhsi-cmu-S25/load-generator/internal/loadgen"
	"github.com/yihanhsi-cmu-S25/load-generator/internal/log"
	"github.com/yihanhsi-cmu-S25/load-generator/internal/middleware"
)

// Body is the acknowledgment written before any load is generated.
const Body = "Hello, Load Generator!"

// Server answers every GET with Body and then generates the requested load.
type Server struct {
	cfg     config.ServerConfig
	engine  *loadgen.Engine
	log     *logrus.Entry
	tracker *middleware.Tracker

	httpServer *http.Server
	errLog     *io.PipeWriter

	// phaseCtx outlives client connections and ends only on shutdown.
	phaseCtx   context.Context
	stopPhases context.CancelFunc

	onDone func(*loadgen.Request, loadgen.Result)
}

// Option configures a Server.
type Option func(*Server)

func WithEngine(e *loadgen.Engine) Option {
	return func(s *Server) {
		s.engine = e
	}
}

func WithLogger(entry *logrus.Entry) Option {
	return func(s *Server) {
		s.log = entry
	}
}

func WithTracker(t *middleware.Tracker) Option {
	return func(s *Server) {
		s.tracker = t
	}
}

// New builds a Server. cfg is copied and never modified.
func New(cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  loadgen.NewEngine(),
		log:     log.L,
		tracker: &middleware.Tracker{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.phaseCtx, s.stopPhases = context.WithCancel(context.Background())
	s.errLog = s.log.WriterLevel(logrus.WarnLevel)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          stdlog.New(s.errLog, "", 0),
	}
	return s
}

// Close cancels running load phases and releases the error log pipe. It is
// called by Serve on return and is safe to call more than once.
func (s *Server) Close() error {
	s.stopPhases()
	return s.errLog.Close()
}

// Handler returns the full middleware chain around the load handler.
func (s *Server) Handler() http.Handler {
	return middleware.Chain(http.HandlerFunc(s.handleLoad),
		middleware.RequestID(s.log),
		middleware.AccessLog(s.tracker),
		middleware.Recover(),
	)
}

// Tracker exposes the in-flight accounting of the server.
func (s *Server) Tracker() *middleware.Tracker {
	return s.tracker
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	target := r.RequestURI
	if target == "" {
		target = r.URL.RequestURI()
	}
	req, err := loadgen.Resolve(target, s.cfg.Defaults)
	if err != nil {
		log.G(r.Context()).WithError(err).Warn("rejected load parameters")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.acknowledge(w, r)

	ctx := log.WithLogger(s.phaseCtx, log.G(r.Context()))
	res := s.engine.Run(ctx, req)
	req.Release()

	if s.onDone != nil {
		s.onDone(req, res)
	}
}

// acknowledge writes and flushes the full response so the client is answered
// before the load phases start.
func (s *Server) acknowledge(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", "text/html")
	h.Set("Content-Length", strconv.Itoa(len(Body)))
	w.WriteHeader(http.StatusOK)

	if r.Method != http.MethodHead {
		if _, err := io.WriteString(w, Body); err != nil {
			log.G(r.Context()).WithError(err).Debug("failed to write acknowledgment")
		}
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// ListenAndServe listens on the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		_ = s.Close()
		return errors.Wrapf(err, "failed to listen on %s", s.cfg.Addr())
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then cancels running load
// phases and shuts down within the configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()
	s.log.WithField("address", ln.Addr().String()).Infof("Serving at %s", ln.Addr())

	select {
	case err := <-errCh:
		s.stopPhases()
		return errors.Wrap(err, "http server stopped")
	case <-ctx.Done():
	}

	s.log.WithField("in_flight", s.tracker.InFlight()).Info("shutting down")
	s.stopPhases()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down http server")
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server stopped")
	}
	return nil
}
