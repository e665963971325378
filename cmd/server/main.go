// Command server is LTMC's single executable: no subcommands, environment
// variables are the sole configuration channel. It wires the lifecycle
// root — opening the relational store, running its migrations, attempting
// the vector index, the graph store, and the cache, constructing the
// remaining components and observability, and registering the dispatcher
// — then serves stdio (default) or, when HTTP_ENABLED=1, the optional
// parallel HTTP surface alongside it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fredcamaral/gomcp-sdk/protocol"
	"github.com/fredcamaral/gomcp-sdk/transport"
	"github.com/qdrant/go-client/qdrant"

	"ltmc/internal/auth"
	"ltmc/internal/chat"
	"ltmc/internal/chunking"
	"ltmc/internal/config"
	"ltmc/internal/consistency"
	"ltmc/internal/dispatcher"
	"ltmc/internal/embeddings"
	"ltmc/internal/logging"
	"ltmc/internal/observability"
	"ltmc/internal/operations"
	"ltmc/internal/retrieval"
	"ltmc/internal/storage"
	syncpkg "ltmc/internal/sync"
	"ltmc/internal/thought"
)

var rootLogger = logging.GetComponentLogger("server")

func main() {
	addr := flag.String("addr", "", "override HTTP_ADDR for the optional HTTP surface")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}

	d, closers, err := buildLifecycleRoot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		httpServer = startHTTPSurface(ctx, cfg, d)
	}

	rootLogger.Info("ltmc ready", "http_enabled", cfg.HTTP.Enabled)
	stdio := transport.NewStdioTransport()
	runErr := stdio.Start(ctx, d)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		rootLogger.WithError(runErr)
	}

	shutdown(httpServer, closers)
}

// lifecycleCloser is anything the root must close in reverse init order on
// shutdown.
type lifecycleCloser interface {
	Close() error
}

// buildLifecycleRoot performs the startup sequence: open the relational store and run its
// idempotent migrations (hard failure aborts startup), open the vector index (create
// empty if missing), attempt the graph store/the cache (log and proceed on failure), then build
// and the dispatcher that routes to all of them.
func buildLifecycleRoot(cfg *config.Config) (*dispatcher.Dispatcher, []lifecycleCloser, error) {
	var closers []lifecycleCloser

	relational, err := storage.NewSQLStore(driverName(cfg.DB.Driver), cfg.DB.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("the relational store open: %w", err)
	}
	closers = append(closers, relational)
	bootstrapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := relational.Bootstrap(bootstrapCtx); err != nil {
		return nil, closers, fmt.Errorf("the relational store migrations: %w", err)
	}

	vector := openVectorStore(cfg, &closers)
	graph := openGraphStore(cfg, &closers)
	cache := openCacheStore(cfg, &closers)

	embedSvc, err := embeddings.NewService(embeddings.Provider(cfg.Embedding.Provider), cfg.Vector.Dimensions, openAIConfig(cfg), nil)
	if err != nil {
		return nil, closers, fmt.Errorf("embedding service: %w", err)
	}

	chunker := chunking.New(chunking.Config{TargetSize: cfg.Chunking.Size, Overlap: cfg.Chunking.Overlap})

	coordinator := syncpkg.New(syncpkg.Config{
		BreakerFailures: cfg.Breaker.Failures,
		BreakerCooldown: cfg.Breaker.Cooldown,
	}, relational, vector, graph, cache)

	consistencyMgr := consistency.New(relational, vector, graph, embedSvc.Generate)
	opsFacade := operations.New(coordinator, consistencyMgr, chunker, embedSvc)
	chatLinker := chat.New(relational)

	retriever := retrieval.New(retrieval.Config{
		Overfetch:     cfg.Retrieval.Overfetch,
		RecencyTau:    cfg.Retrieval.RecencyTau,
		ContextBudget: cfg.Retrieval.ContextBudgetChars,
	}, relational, vector, embedSvc, func() bool { return coordinator.BreakerStates()[syncpkg.StoreVector].String() == "open" }, chatLinker)

	thoughtEngine := thought.New(coordinator, embedSvc, retriever, nil)

	obsRegistry := observability.New(relational, vector, graph, cache, coordinator.BreakerStates)
	gate := auth.New(cfg.Auth.Enabled, cfg.Auth.Token)

	d := dispatcher.New(dispatcher.DefaultConfig(), opsFacade, retriever, thoughtEngine, chatLinker, consistencyMgr, coordinator, relational, graph, cache, obsRegistry, gate).WithConfig(cfg)
	return d, closers, nil
}

func driverName(driver string) string {
	if driver == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

func openAIConfig(cfg *config.Config) *embeddings.OpenAIConfig {
	if cfg.Embedding.Provider != string(embeddings.ProviderOpenAI) {
		return nil
	}
	oc := embeddings.DefaultOpenAIConfig()
	oc.APIKey = cfg.Embedding.APIKey
	oc.Model = cfg.Embedding.Model
	oc.Dimensions = cfg.Vector.Dimensions
	return oc
}

// openVectorStore attempts the vector index. A dial or
// EnsureCollection failure logs and leaves the dispatcher wired with a nil
// VectorStore, which every consumer already treats as permanently degraded.
func openVectorStore(cfg *config.Config, closers *[]lifecycleCloser) storage.VectorStore {
	vs, err := storage.NewQdrantVectorStore(cfg.Vector.Host, cfg.Vector.Port, cfg.Vector.APIKey, cfg.Vector.UseTLS, cfg.Vector.Collection, cfg.Vector.Dimensions)
	if err != nil {
		rootLogger.WithError(err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := vs.EnsureCollection(ctx); err != nil {
		rootLogger.Warn("the vector index degraded at startup", "error", err.Error())
		return nil
	}
	*closers = append(*closers, vs)
	return vs
}

// openGraphStore attempts the graph store, dialing its own Qdrant
// client rather than sharing the vector index's: the two stores are independent
// collections and may legitimately be configured against different hosts.
func openGraphStore(cfg *config.Config, closers *[]lifecycleCloser) storage.GraphStore {
	if !cfg.Graph.Enabled {
		return nil
	}
	host, port := cfg.Vector.Host, cfg.Vector.Port
	if h, p, err := net.SplitHostPort(cfg.Graph.URI); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			host, port = h, n
		}
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port, APIKey: cfg.Vector.APIKey, UseTLS: cfg.Vector.UseTLS, SkipCompatibilityCheck: true})
	if err != nil {
		rootLogger.Warn("the graph store degraded at startup", "error", err.Error())
		return nil
	}
	gs := storage.NewQdrantGraphStore(client, cfg.Graph.Collection)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gs.EnsureCollection(ctx); err != nil {
		rootLogger.Warn("the graph store degraded at startup", "error", err.Error())
		return nil
	}
	*closers = append(*closers, gs)
	return gs
}

// openCacheStore attempts the cache.
func openCacheStore(cfg *config.Config, closers *[]lifecycleCloser) storage.CacheStore {
	if !cfg.Cache.Enabled {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", cfg.Cache.Host, cfg.Cache.Port)
	cs, err := storage.NewRedisCacheStore(addr, cfg.Cache.Password, cfg.Cache.DB)
	if err != nil {
		rootLogger.Warn("the cache degraded at startup", "error", err.Error())
		return nil
	}
	*closers = append(*closers, cs)
	return cs
}

// shutdown closes every opened store in reverse init order, bounding the
// drain so a hung adapter cannot block process exit indefinitely.
func shutdown(httpServer *http.Server, closers []lifecycleCloser) {
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			rootLogger.WithError(err)
		}
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			rootLogger.WithError(err)
		}
	}
}

// startHTTPSurface implements the optional parallel HTTP surface:
// POST /jsonrpc (identical envelopes to stdio), GET /health, GET /tools,
// and the ENABLE_AUTH bearer-token gate. Every route funnels through the
// same Dispatcher.HandleRequest stdio uses, which is what makes stdio and
// HTTP tool results byte-identical by construction instead of by
// convention.
func startHTTPSurface(ctx context.Context, cfg *config.Config, d *dispatcher.Dispatcher) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", httpAuthed(cfg, func(w http.ResponseWriter, r *http.Request) {
		var req protocol.JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, protocol.JSONRPCResponse{JSONRPC: "2.0", Error: protocol.NewJSONRPCError(-32700, "invalid JSON", nil)})
			return
		}
		resp := d.HandleRequest(r.Context(), &req)
		writeJSON(w, http.StatusOK, resp)
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := d.HandleRequest(r.Context(), &protocol.JSONRPCRequest{
			JSONRPC: "2.0", ID: "health", Method: "tools/call",
			Params: map[string]interface{}{"name": "memory", "arguments": map[string]interface{}{"action": "health"}},
		})
		writeJSON(w, http.StatusOK, resp.Result)
	})
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		resp := d.HandleRequest(r.Context(), &protocol.JSONRPCRequest{JSONRPC: "2.0", ID: "tools", Method: "tools/list"})
		writeJSON(w, http.StatusOK, resp.Result)
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		rootLogger.Info("http surface listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rootLogger.WithError(err)
		}
	}()
	return httpServer
}

// httpAuthed extracts a Bearer token from the Authorization header (if
// any) into the request context so the shared Dispatcher.requireAuth check
// (driven by auth.TokenFrom) applies identically to stdio's context-free
// calls, which always present no token.
func httpAuthed(cfg *config.Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		ctx := auth.WithToken(r.Context(), token)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rootLogger.WithError(err)
	}
}
