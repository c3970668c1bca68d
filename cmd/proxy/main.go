// Command proxy runs the caching reverse proxy: an HTTP listener in
// front of the request FSM, an admin listener for stats/purge/trace, and
// an optional Prometheus metrics listener.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/cacheproxy/internal/accounting"
	"github.com/ocx/cacheproxy/internal/admin"
	"github.com/ocx/cacheproxy/internal/cacheindex"
	"github.com/ocx/cacheproxy/internal/config"
	"github.com/ocx/cacheproxy/internal/director"
	"github.com/ocx/cacheproxy/internal/fetch"
	"github.com/ocx/cacheproxy/internal/fsm"
	"github.com/ocx/cacheproxy/internal/infra"
	"github.com/ocx/cacheproxy/internal/metrics"
	"github.com/ocx/cacheproxy/internal/obslog"
	"github.com/ocx/cacheproxy/internal/policy"
	"github.com/ocx/cacheproxy/internal/response"
)

const workspaceSize = 64 << 10

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using process environment")
	}

	configPath := flag.String("config", "config.yaml", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obslog.Init(cfg.Cache.DebugTrace, false)
	slog.Info("cacheproxy starting", "listen", cfg.Server.ListenAddr, "admin", cfg.Server.AdminAddr)

	idx := cacheindex.New()

	// Cross-instance hints — best effort. A failed dial degrades to
	// single-instance mode rather than blocking startup, matching the
	// jury-client and Supabase-handshake-store fallback idiom.
	var redisAdapter *infra.GoRedisAdapter
	if cfg.Redis.Enabled {
		adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr)
		if err != nil {
			slog.Warn("redis connection failed, running single-instance", "addr", cfg.Redis.Addr, "error", err)
		} else {
			redisAdapter = adapter
			defer redisAdapter.Close()
			hints := cacheindex.NewCrossInstanceHints(redisAdapter, cfg.Redis.Prefix, idx)
			if err := hints.Start(context.Background()); err != nil {
				slog.Warn("cross-instance hint subscription failed", "error", err)
			} else {
				slog.Info("cross-instance purge hints wired via redis")
			}
		}
	}

	// Policy engine — remote gRPC with local fallback, same dial-with-
	// fallback shape as the jury client.
	var policyEngine policy.PolicyEngine
	if cfg.Policy.Remote {
		remote, err := policy.NewRemotePolicyEngine(cfg.Policy.RemoteAddr, time.Duration(cfg.Policy.DialTimeoutSec)*time.Second)
		if err != nil {
			slog.Warn("remote policy engine dial failed, using local defaults", "addr", cfg.Policy.RemoteAddr, "error", err)
			policyEngine = policy.NewLocalPolicyEngine()
		} else {
			slog.Info("policy engine connected", "addr", cfg.Policy.RemoteAddr)
			policyEngine = remote
		}
	} else {
		policyEngine = policy.NewLocalPolicyEngine()
	}

	dir := director.New("origin", cfg.Fetch.Backends, cfg.Fetch.DialTimeout(), cfg.Fetch.ReqTimeout())

	worker := fetch.NewWorker()
	worker.StreamChunks = cfg.Fetch.StreamChunks

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics listener died", "error", err)
			}
		}()
	}

	bus := accounting.NewBus()
	var sink accounting.Sink = &accounting.BusSink{Bus: bus}
	ledger := accounting.NewLedger(sink)

	engine := &fsm.Engine{
		Index:    idx,
		Policy:   policyEngine,
		Director: dir,
		Fetch:    worker,
		Metrics:  m,
		Ledger:   ledger,
		PipeDialer: func(b *director.Backend) (net.Conn, error) {
			return net.DialTimeout("tcp", b.BaseURL, cfg.Fetch.DialTimeout())
		},
	}

	adminSrv := admin.New(idx, dir, m)
	go func() {
		slog.Info("admin listening", "addr", cfg.Server.AdminAddr)
		if err := http.ListenAndServe(cfg.Server.AdminAddr, adminSrv.Router()); err != nil && err != http.ErrServerClosed {
			slog.Error("admin listener died", "error", err)
		}
	}()

	handler := &proxyHandler{engine: engine, maxRestarts: cfg.Cache.MaxRestarts}

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("listening", "addr", cfg.Server.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	slog.Info("stopped")
}

// proxyHandler adapts net/http's request/response model onto the FSM's
// CNT_Request contract: build a RequestContext, drive Run to completion
// (re-entering after every DISEMBARK), and translate the final Out (or a
// hijacked connection, for S-PIPE) back onto the wire.
type proxyHandler struct {
	engine      *fsm.Engine
	maxRestarts int
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := fsm.NewRequestContext(r.Method, r.URL.RequestURI(), r.Proto, r.Header.Clone(), h.maxRestarts, workspaceSize)

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		rc.WantBody = r.Method == http.MethodGet
	}
	if r.Method == "PURGE" {
		rc.Step = fsm.SPurge
	}

	ctx := r.Context()

	for {
		verdict, err := h.engine.Run(ctx, rc)
		if err != nil {
			slog.Error("request failed", "request_id", rc.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if verdict == fsm.Disembark {
			if rc.Step == fsm.SPipe {
				h.servePipe(w, r, rc)
				return
			}
			<-rc.WaitChannel()
			continue
		}
		break
	}

	if rc.Out == nil {
		http.Error(w, "no response produced", http.StatusInternalServerError)
		return
	}
	if err := response.WriteTo(w, rc.Out); err != nil {
		slog.Warn("writing response failed", "request_id", rc.ID, "error", err)
	}
}

// servePipe hijacks the connection so S-PIPE can shuttle raw bytes
// between client and backend, bypassing the ResponseWriter entirely.
func (h *proxyHandler) servePipe(w http.ResponseWriter, r *http.Request, rc *fsm.RequestContext) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "pipe unsupported", http.StatusNotImplemented)
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		slog.Warn("pipe hijack failed", "request_id", rc.ID, "error", err)
		return
	}
	defer conn.Close()
	if buf.Reader.Buffered() > 0 {
		// Any bytes net/http already buffered from the client are lost to
		// the raw shuttle; acceptable for the pipe path, which exists for
		// protocols the FSM doesn't parse anyway.
		slog.Debug("pipe: discarding buffered client bytes", "request_id", rc.ID, "n", buf.Reader.Buffered())
	}
	rc.ClientConn = conn
	if _, err := h.engine.Run(r.Context(), rc); err != nil {
		slog.Warn("pipe run failed", "request_id", rc.ID, "error", err)
		return
	}
	if rc.Out != nil {
		// The backend dial failed or no pipe transport was available: S-ERROR
		// still produced a response, but the connection is already
		// hijacked, so it goes out over the raw conn instead of w.
		if err := response.Write(conn, rc.Out); err != nil {
			slog.Warn("writing piped error response failed", "request_id", rc.ID, "error", err)
		}
	}
}
