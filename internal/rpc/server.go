package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keyfold/go-vault/internal/config"
	"keyfold/go-vault/internal/platform/ratelimiter"
	"keyfold/go-vault/internal/vault"
)

const DefaultRPCAddr = "127.0.0.1:7333"

const rpcTokenEnv = "KEYFOLD_RPC_TOKEN"

// Server exposes the vault engine over JSON-RPC 2.0 on a loopback HTTP
// listener. One engine instance backs all requests; the engine's own mutex
// serializes operations.
type Server struct {
	httpServer *http.Server
	engine     *vault.Engine
	log        *slog.Logger
	limiter    *ratelimiter.MapLimiter
	maxBody    int64
	token      string
	now        func() time.Time
}

func NewServer(cfg config.RPCConfig, engine *vault.Engine, log *slog.Logger, registry *prometheus.Registry) *Server {
	addr := cfg.ListenAddr
	if addr == "" {
		addr = DefaultRPCAddr
	}
	if log == nil {
		log = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		engine:  engine,
		log:     log,
		limiter: ratelimiter.New(cfg.RatePerSecond, cfg.RateBurst, 10*time.Minute),
		maxBody: maxBody,
		token:   strings.TrimSpace(os.Getenv(rpcTokenEnv)),
		now:     time.Now,
	}
	if s.token == "" {
		log.Warn("rpc token is not set; rpc auth disabled")
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	if registry != nil && cfg.MetricsOn() {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return s
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"state":  s.engine.State().String(),
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.TrimPrefix(header, "Bearer ") == s.token
}
