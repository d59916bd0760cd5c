package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	vnet "github.com/guseggert/vtkhttp/internal/net"
	"github.com/guseggert/vtkhttp/lifecycle"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

const (
	DefaultListenAddr        = "127.0.0.1:8000"
	DefaultBindRetryInterval = 1 * time.Second
)

// Server is the HTTP dump server that runs in "run" mode.
// Once its listener is bound it writes the lock record into its directory
// and signals readiness to the controller that spawned it, if any.
type Server struct {
	logger  *zap.SugaredLogger
	dumpLog *zap.SugaredLogger

	dir               string
	listenAddr        string
	bindRetryInterval time.Duration
	metricsListenAddr string

	metrics *metrics
	ready   chan struct{}

	mut           sync.Mutex
	addr          net.Addr
	httpServer    *http.Server
	metricsServer *http.Server
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithBindRetryInterval sets the delay between bind attempts while the address is in use.
func WithBindRetryInterval(d time.Duration) Option {
	return func(s *Server) {
		s.bindRetryInterval = d
	}
}

// WithMetricsListenAddr serves Prometheus metrics on a separate listener.
// The dump listener never exposes them.
func WithMetricsListenAddr(addr string) Option {
	return func(s *Server) {
		s.metricsListenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("server").Sugar()
		s.dumpLog = l.Named("dump").Sugar()
	}
}

// New constructs a server that writes its lock record into dir.
func New(dir string, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:            logger.Named("server").Sugar(),
		dumpLog:           logger.Named("dump").Sugar(),
		dir:               dir,
		listenAddr:        DefaultListenAddr,
		bindRetryInterval: DefaultBindRetryInterval,
		metrics:           newMetrics(),
		ready:             make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Ready is closed once the listener is bound and the lock record is written.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listener address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.addr
}

// LockPath returns where this server writes its lock record.
func (s *Server) LockPath() string {
	return lifecycle.LockPath(s.dir)
}

func (s *Server) router() http.Handler {
	router := httprouter.New()
	// anything that is not exactly POST /dump is forbidden, including redirects to it
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.HandleMethodNotAllowed = false
	router.HandleOPTIONS = false
	router.NotFound = http.HandlerFunc(s.forbidden)
	router.PanicHandler = s.recoverPanic

	router.POST("/dump", s.dump)
	return router
}

// listen binds the listen address, retrying at a fixed interval for as long as
// the address is in use. Any other bind error is returned immediately.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	var ln net.Listener
	b := backoff.WithContext(backoff.NewConstantBackOff(s.bindRetryInterval), ctx)
	err := backoff.RetryNotify(func() error {
		l, err := lc.Listen(ctx, "tcp", s.listenAddr)
		if err != nil {
			if vnet.IsAddrInUse(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		ln = l
		return nil
	}, b, func(err error, next time.Duration) {
		s.metrics.bindRetries.Inc()
		s.logger.Errorf("address %s in use, retrying in %s...", s.listenAddr, next)
	})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.listenAddr, err)
	}
	return ln, nil
}

func (s *Server) listenMetrics() (net.Listener, error) {
	if s.metricsListenAddr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", s.metricsListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening for metrics on %s: %w", s.metricsListenAddr, err)
	}
	return ln, nil
}

// Run binds the listener, publishes the lock record, signals readiness and serves
// until ctx is done or Stop is called.
func (s *Server) Run(ctx context.Context) error {
	metricsLn, err := s.listenMetrics()
	if err != nil {
		return err
	}

	ln, err := s.listen(ctx)
	if err != nil {
		if metricsLn != nil {
			metricsLn.Close()
		}
		return err
	}
	s.logger.Debug("socket listening")

	rec, err := lifecycle.NewRecord(ln.Addr(), os.Getpid())
	if err == nil {
		err = lifecycle.WriteRecord(s.LockPath(), rec)
	}
	if err != nil {
		ln.Close()
		if metricsLn != nil {
			metricsLn.Close()
		}
		return fmt.Errorf("writing lock record: %w", err)
	}

	s.mut.Lock()
	s.addr = ln.Addr()
	s.httpServer = &http.Server{Handler: s.router()}
	httpServer := s.httpServer
	if metricsLn != nil {
		s.metricsServer = &http.Server{Handler: s.metrics.handler()}
	}
	metricsServer := s.metricsServer
	s.mut.Unlock()

	s.logger.Infof("listening on %s, wrote lock file %s", rec, s.LockPath())
	close(s.ready)

	notified, err := lifecycle.NotifyReady()
	if err != nil {
		s.logger.Warnf("unable to notify parent of readiness: %s", err)
	} else if notified {
		s.logger.Debug("notified parent of readiness")
	}

	if metricsServer != nil {
		s.logger.Infof("serving metrics on %s", metricsLn.Addr())
		go func() {
			err := metricsServer.Serve(metricsLn)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Errorf("metrics server error: %s", err)
			}
		}()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()

	err = httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listeners. It does not remove the lock record; that belongs to the controller.
func (s *Server) Stop() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	var err error
	if s.metricsServer != nil {
		err = s.metricsServer.Close()
	}
	if s.httpServer != nil {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}
