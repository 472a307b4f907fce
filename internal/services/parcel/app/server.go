// Package server wires the parcel runtime and HTTP lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/code-to-gold/amo-storage/internal/platform/config"
	"github.com/code-to-gold/amo-storage/internal/platform/httpx"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/acl"
	parcelhttp "github.com/code-to-gold/amo-storage/internal/services/parcel/api/http"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/blob/fsstore"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/domain"
	parcelsqlite "github.com/code-to-gold/amo-storage/internal/services/parcel/storage/sqlite"
)

const shutdownGrace = 5 * time.Second

type serverEnv struct {
	DBPath        string `env:"AMO_STORAGE_DB_PATH"`
	BlobDir       string `env:"AMO_STORAGE_BLOB_DIR"`
	NodeEndpoint  string `env:"AMO_STORAGE_NODE_ENDPOINT"`
	NodeTimeoutMS int    `env:"AMO_STORAGE_NODE_TIMEOUT_MS" envDefault:"5000"`
}

func loadServerEnv() (serverEnv, error) {
	var cfg serverEnv
	if err := config.ParseEnv(&cfg); err != nil {
		return serverEnv{}, err
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "parcel.db")
	}
	if strings.TrimSpace(cfg.BlobDir) == "" {
		cfg.BlobDir = filepath.Join("data", "blobs")
	}
	if strings.TrimSpace(cfg.NodeEndpoint) == "" {
		cfg.NodeEndpoint = "http://localhost:26657"
	}
	return cfg, nil
}

// Server hosts the parcel HTTP API and storage lifecycle.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *parcelsqlite.Store
}

// New creates a configured parcel server listening on the provided port.
func New(port int) (*Server, error) {
	return NewWithAddr(fmt.Sprintf(":%d", port))
}

// NewWithAddr creates a configured parcel server for the provided address.
func NewWithAddr(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	env, err := loadServerEnv()
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	store, err := openParcelStore(env.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	blobs, err := fsstore.Open(env.BlobDir)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	oracle, err := acl.NewClient(env.NodeEndpoint, time.Duration(env.NodeTimeoutMS)*time.Millisecond)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("configure oracle client: %w", err)
	}

	coordinator := domain.NewCoordinator(store, blobs, oracle, store)
	handler := httpx.Chain(
		parcelhttp.NewHandler(coordinator),
		httpx.RequestID(),
		httpx.RecoverPanic(),
	)

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: handler},
		store:      store,
	}, nil
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a parcel server until context cancellation.
func Run(ctx context.Context, port int) error {
	server, err := New(port)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the HTTP server until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("parcel server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown HTTP server: %w", err)
		}
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// Close releases parcel server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close parcel store: %v", err)
		}
	}
}

func openParcelStore(path string) (*parcelsqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := parcelsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parcel sqlite store: %w", err)
	}
	return store, nil
}
