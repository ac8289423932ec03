// Package server exposes the OHTTP relay's HTTP Surface: POST /score and
// GET /discover.
package server

import (
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/gateway"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/keyconfig"
)

// Server wires the request engine behind a minimal HTTP surface: it reads
// the request body to bytes, hands it to the engine, and lets the engine
// stream the response directly.
type Server struct {
	engine       *gateway.Engine
	localKeyOnly bool
	discoverKey  keyconfig.KeyConfig
	httpServer   *http.Server
	logger       *zap.SugaredLogger
}

// Config carries everything the HTTP surface needs beyond the engine
// itself.
type Config struct {
	Addr         string
	Engine       *gateway.Engine
	LocalKeyOnly bool
	DiscoverKey  keyconfig.KeyConfig
	Logger       *zap.SugaredLogger
}

func New(cfg Config) *Server {
	s := &Server{
		engine:       cfg.Engine,
		localKeyOnly: cfg.LocalKeyOnly,
		discoverKey:  cfg.DiscoverKey,
		logger:       cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/score", s.handleScore)
	mux.HandleFunc("/discover", s.handleDiscover)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: withCorrelationID(mux, cfg.Logger),
	}

	return s
}

// Start runs the HTTP server until Stop is called. It blocks, so callers
// typically run it in its own goroutine.
func (s *Server) Start() error {
	s.logger.Infow("starting http surface", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Stop closes the listener and all active connections immediately;
// in-flight requests are not drained.
func (s *Server) Stop() error {
	return s.httpServer.Close()
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readLimitedBody(r)
	if err != nil {
		s.logger.Warnw("failed to read score body", "error", err)
		http.Error(w, "Request error", http.StatusBadRequest)
		return
	}

	s.engine.Handle(r.Context(), w, r.Header, body)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if !s.localKeyOnly {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	encoded, err := keyconfig.EncodeList([]keyconfig.KeyConfig{s.discoverKey})
	if err != nil {
		s.logger.Errorw("failed to encode discover response", "error", err)
		http.Error(w, "Request error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(hex.EncodeToString(encoded)))
}

const maxScoreBodyBytes = 16 << 20 // 16 MiB outer request ceiling

func readLimitedBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, maxScoreBodyBytes))
}

// withCorrelationID stamps every request with a correlation id, logged at
// entry and exit, the way a per-request id is threaded through node
// protocol handlers elsewhere in this codebase.
func withCorrelationID(next http.Handler, logger *zap.SugaredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Correlation-Id", id)
		logger.Infow("request received", "correlation_id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
		logger.Infow("request completed", "correlation_id", id)
	})
}
