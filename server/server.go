package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/guseggert/condadev/internal/files"
	"github.com/guseggert/condadev/proc"
	"github.com/guseggert/condadev/relay"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DevServer exposes the CLI over HTTP, and optionally streams its progress over a WebSocket.
type DevServer struct {
	logger *zap.SugaredLogger
	cfg    Config

	runner      *proc.Runner
	relayServer *relay.Server
	httpServer  *http.Server

	// indexPath is empty if there is no test page to serve.
	indexPath string
	staticDir string

	addrMut      sync.Mutex
	addr         net.Addr
	listened     chan struct{}
	listenedOnce sync.Once
}

type Option func(s *DevServer)

func WithLogger(l *zap.Logger) Option {
	return func(s *DevServer) {
		s.logger = l.Named("devserver").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *DevServer) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithRunner replaces the runner built from the CLI settings of the config.
func WithRunner(r *proc.Runner) Option {
	return func(s *DevServer) {
		s.runner = r
	}
}

// New constructs a dev server from a startup configuration.
func New(cfg Config, opts ...Option) (*DevServer, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &DevServer{
		logger:   logger.Named("devserver").Sugar(),
		cfg:      cfg,
		listened: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.runner == nil {
		s.runner = &proc.Runner{
			Path: cfg.CLIPath,
			Env:  cfg.CLIEnv,
			Dir:  cfg.CLIDir,
			Log:  s.logger.Named("proc"),
		}
	}
	s.relayServer = &relay.Server{Log: s.logger.Named("relay_server"), Runner: s.runner}

	err = s.findStatic()
	if err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{Handler: s.Handler()}
	return s, nil
}

func (s *DevServer) findStatic() error {
	if s.cfg.StaticDir != "" {
		s.staticDir = s.cfg.StaticDir
		indexPath := filepath.Join(s.cfg.StaticDir, s.cfg.IndexFile)
		if _, err := os.Stat(indexPath); err == nil {
			s.indexPath = indexPath
		}
		return nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working dir: %w", err)
	}
	indexPath, err := files.FindUp(s.cfg.IndexFile, wd)
	if err != nil {
		return fmt.Errorf("looking for %s: %w", s.cfg.IndexFile, err)
	}
	if indexPath == "" {
		s.logger.Debugf("no %s found above %s, not serving a test page", s.cfg.IndexFile, wd)
		return nil
	}
	s.indexPath = indexPath
	s.staticDir = filepath.Dir(indexPath)
	return nil
}

// Handler returns the router with every route the config enables.
func (s *DevServer) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", s.index)
	router.GET("/healthz", s.health)

	s.mountAPI(router)

	if s.cfg.Progress {
		s.logger.Debugf("mounting progress relay at %s", s.cfg.WSPath)
		router.Handler(http.MethodGet, s.cfg.WSPath, s.relayServer)
	}

	router.NotFound = s.staticHandler()
	return router
}

// Run listens on the configured address and serves until Stop is called.
func (s *DevServer) Run() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	s.addrMut.Lock()
	if err == nil {
		s.addr = listener.Addr()
	}
	s.addrMut.Unlock()
	s.listenedOnce.Do(func() { close(s.listened) })
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	s.logger.Infow("serving", "Addr", listener.Addr().String(), "APIMethod", s.cfg.APIMethod, "Progress", s.cfg.Progress)
	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr blocks until Run has tried to listen and returns the address it listens on, or nil if it couldn't.
func (s *DevServer) Addr() net.Addr {
	<-s.listened
	s.addrMut.Lock()
	defer s.addrMut.Unlock()
	return s.addr
}

func (s *DevServer) Stop() error {
	return s.httpServer.Close()
}

type HealthResponse struct {
	Status         string
	ActiveSessions int64
}

func (s *DevServer) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b, err := json.Marshal(HealthResponse{
		Status:         "ok",
		ActiveSessions: s.relayServer.ActiveSessions(),
	})
	if err != nil {
		s.logger.Debugf("error marshaling health response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
