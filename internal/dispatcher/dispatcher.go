// Package dispatcher implements the JSON-RPC tool dispatcher: a
// transport.RequestHandler that answers initialize/tools/list/tools/call,
// routes each call to one of ten tools' action switch, gates write-shaped
// actions behind an auth check, and enforces backpressure and per-call
// deadlines. It deliberately returns the tool result object directly
// rather than wrapping it in a nested content envelope, while still using
// the underlying protocol package's request/response/error-code types.
package dispatcher

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/fredcamaral/gomcp-sdk/protocol"

	"ltmc/internal/auth"
	"ltmc/internal/chat"
	"ltmc/internal/config"
	"ltmc/internal/consistency"
	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/internal/observability"
	"ltmc/internal/operations"
	"ltmc/internal/retrieval"
	"ltmc/internal/storage"
	syncpkg "ltmc/internal/sync"
	"ltmc/internal/thought"
)

var dispatcherLogger = logging.GetComponentLogger("dispatcher")

func logStack(e *ltmcerrors.Error) {
	dispatcherLogger.WithError(e)
}

const serverName = "ltmc"
const serverVersion = "1.0.0"

// DefaultMaxInFlight bounds concurrent tool calls: beyond this many simultaneous calls, new ones are rejected
// Overloaded rather than queued indefinitely.
const DefaultMaxInFlight = 32

// DefaultCallTimeout bounds a single tool call's wall-clock budget.
const DefaultCallTimeout = 30 * time.Second

// Dispatcher is the dispatcher.
type Dispatcher struct {
	Operations    *operations.Operations
	Retriever     *retrieval.Retriever
	Thought       *thought.Engine
	Chat          *chat.Linker
	Consistency   *consistency.Manager
	Coordinator   *syncpkg.Coordinator
	Relational    storage.RelationalStore
	Graph         storage.GraphStore
	Cache         storage.CacheStore
	Observability *observability.Registry
	Auth          *auth.Gate
	Config        *config.Config

	sem     chan struct{}
	timeout time.Duration
}

// WithConfig attaches the live runtime configuration so the config tool's
// validate_config/export_config actions can introspect it; optional, nil
// leaves those two actions degraded (get_schema does not depend on it).
func (d *Dispatcher) WithConfig(cfg *config.Config) *Dispatcher {
	d.Config = cfg
	return d
}

// Config bounds the dispatcher's concurrency and per-call deadline.
type Config struct {
	MaxInFlight int
	CallTimeout time.Duration
}

// DefaultConfig returns the suggested dispatcher limits.
func DefaultConfig() Config {
	return Config{MaxInFlight: DefaultMaxInFlight, CallTimeout: DefaultCallTimeout}
}

// New builds a Dispatcher wiring every component it routes to.
func New(cfg Config, ops *operations.Operations, retriever *retrieval.Retriever, thoughtEngine *thought.Engine, chatLinker *chat.Linker, cons *consistency.Manager, coord *syncpkg.Coordinator, relational storage.RelationalStore, graph storage.GraphStore, cache storage.CacheStore, obs *observability.Registry, gate *auth.Gate) *Dispatcher {
	if cfg.MaxInFlight <= 0 {
		cfg = DefaultConfig()
	}
	return &Dispatcher{
		Operations:    ops,
		Retriever:     retriever,
		Thought:       thoughtEngine,
		Chat:          chatLinker,
		Consistency:   cons,
		Coordinator:   coord,
		Relational:    relational,
		Graph:         graph,
		Cache:         cache,
		Observability: obs,
		Auth:          gate,
		sem:           make(chan struct{}, cfg.MaxInFlight),
		timeout:       cfg.CallTimeout,
	}
}

// HandleRequest implements transport.RequestHandler: it is the single
// entry point both the stdio and HTTP surfaces call.
func (d *Dispatcher) HandleRequest(ctx context.Context, req *protocol.JSONRPCRequest) *protocol.JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "ping":
		return &protocol.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}}
	case "tools/list":
		return d.handleToolsList(req)
	case "tools/call":
		return d.handleToolsCall(ctx, req)
	default:
		return toResponse(req.ID, nil, ltmcerrors.NewMethodNotFound("dispatcher", "HandleRequest", req.Method))
	}
}

func (d *Dispatcher) handleInitialize(req *protocol.JSONRPCRequest) *protocol.JSONRPCResponse {
	result := protocol.InitializeResult{
		ProtocolVersion: protocol.Version,
		Capabilities: protocol.ServerCapabilities{
			Tools: &protocol.ToolCapability{ListChanged: false},
		},
		ServerInfo: protocol.ServerInfo{Name: serverName, Version: serverVersion},
	}
	return &protocol.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (d *Dispatcher) handleToolsList(req *protocol.JSONRPCRequest) *protocol.JSONRPCResponse {
	return &protocol.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{"tools": toolCatalog()}}
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *protocol.JSONRPCRequest) *protocol.JSONRPCResponse {
	var call protocol.ToolCallRequest
	if b, err := json.Marshal(req.Params); err != nil {
		return toResponse(req.ID, nil, ltmcerrors.NewParseError("dispatcher", "tools/call", "invalid params", err))
	} else if err := json.Unmarshal(b, &call); err != nil {
		return toResponse(req.ID, nil, ltmcerrors.NewParseError("dispatcher", "tools/call", "invalid params", err))
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	default:
		return toResponse(req.ID, nil, ltmcerrors.NewOverloaded("dispatcher", call.Name, "too many concurrent tool calls in flight"))
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	action, _ := call.Arguments["action"].(string)
	handlerName := call.Name + "." + action

	var result interface{}
	var degraded bool
	err := d.observe(handlerName, &degraded, func() error {
		r, handlerErr := d.route(callCtx, call.Name, action, call.Arguments)
		result = r
		return handlerErr
	})
	return toResponse(req.ID, result, err)
}

func (d *Dispatcher) observe(handler string, degraded *bool, fn func() error) error {
	if d.Observability == nil {
		return fn()
	}
	return d.Observability.Track(handler, degraded, fn)
}

func (d *Dispatcher) route(ctx context.Context, tool, action string, args map[string]interface{}) (interface{}, error) {
	switch tool {
	case "memory":
		return d.memory(ctx, action, args)
	case "chat":
		return d.chatTool(ctx, action, args)
	case "todo":
		return d.todo(ctx, action, args)
	case "context_links":
		return d.contextLinks(ctx, action, args)
	case "graph":
		return d.graph(ctx, action, args)
	case "cache":
		return d.cacheTool(ctx, action, args)
	case "pattern":
		return d.pattern(ctx, action, args)
	case "sync":
		return d.sync(ctx, action, args)
	case "config":
		return d.config(ctx, action, args)
	case "thought":
		return d.thoughtTool(ctx, action, args)
	default:
		return nil, ltmcerrors.NewInvalidParams("dispatcher", "route", "unknown tool "+tool)
	}
}

// requireAuth gates a write-shaped action: read actions never
// call this.
func (d *Dispatcher) requireAuth(ctx context.Context, component, op string) error {
	if d.Auth == nil {
		return nil
	}
	if !d.Auth.Authorize(ctx) {
		return ltmcerrors.NewUnauthorized(component, op, "missing or invalid bearer token")
	}
	return nil
}

// toResponse translates a tool result/error pair into the wire response.
// Protocol-level kinds (ParseError/MethodNotFound/InvalidParams/Internal,
// the only kinds with a JSON-RPC code) become a JSON-RPC error object.
// A Degraded kind is not a failure (spec §7: "request succeeded but with
// an optional store unavailable") so it is folded into a successful
// envelope with degraded:true. Every other kind is a domain failure
// surfaced as {success:false, error, error_code?} directly in the result
// field, matching the flat, non-double-wrapped shape spec §6 requires
// instead of MCP's Content/ToolCallResult convention.
func toResponse(id interface{}, result interface{}, err error) *protocol.JSONRPCResponse {
	if err == nil {
		return &protocol.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: wrapSuccess(result)}
	}
	e, ok := ltmcerrors.As(err)
	if !ok {
		e = ltmcerrors.NewInternal("dispatcher", "toResponse", err.Error(), err)
	}
	if e.Kind.LogsStackTrace() {
		logStack(e)
	}
	if code := jsonRPCCodeOf(e); code != 0 {
		return &protocol.JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: protocol.NewJSONRPCError(code, e.Message, map[string]string{"kind": string(e.Kind)})}
	}
	if e.Kind == ltmcerrors.KindDegraded {
		return &protocol.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: map[string]interface{}{
			"success":  true,
			"degraded": true,
			"message":  e.Message,
		}}
	}
	failure := map[string]interface{}{
		"success": false,
		"error":   e.Message,
		"kind":    string(e.Kind),
	}
	if code := domainCode(e.Kind); code != 0 {
		failure["error_code"] = code
	}
	return &protocol.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: failure}
}

// wrapSuccess folds the handler's raw return value into the spec §6
// success envelope: {success:true, ...tool-specific fields}. A handler
// returning a struct/map is flattened into the envelope; a handler
// returning a slice, scalar, or nil is carried under a "result" field
// since there is no object to flatten it into.
func wrapSuccess(v interface{}) interface{} {
	if v == nil {
		return map[string]interface{}{"success": true}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{"success": true}
	}
	var obj map[string]interface{}
	if json.Unmarshal(b, &obj) == nil {
		obj["success"] = true
		return obj
	}
	if string(b) == "null" {
		return map[string]interface{}{"success": true}
	}
	return map[string]interface{}{"success": true, "result": json.RawMessage(b)}
}

// domainCode assigns a stable, non-JSON-RPC integer to domain error kinds
// so callers have a machine-matchable error_code even though spec's only
// mandatory numeric codes are the JSON-RPC protocol-level ones.
func domainCode(k ltmcerrors.Kind) int {
	switch k {
	case ltmcerrors.KindNotFound:
		return 1001
	case ltmcerrors.KindAlreadyExists:
		return 1002
	case ltmcerrors.KindIntegrityError:
		return 1003
	case ltmcerrors.KindWriteFailed:
		return 1004
	case ltmcerrors.KindTimeout:
		return 1005
	case ltmcerrors.KindOverloaded:
		return 1006
	case ltmcerrors.KindUnauthorized:
		return 1007
	case ltmcerrors.KindReadOnlyViolation:
		return 1008
	default:
		return 0
	}
}

func jsonRPCCodeOf(e *ltmcerrors.Error) int {
	switch e.Kind {
	case ltmcerrors.KindParseError:
		return -32700
	case ltmcerrors.KindMethodNotFound:
		return -32601
	case ltmcerrors.KindInvalidParams:
		return -32602
	case ltmcerrors.KindInternal:
		return -32603
	default:
		return 0
	}
}

var graphWriteVerb = regexp.MustCompile(`(?i)\b(CREATE|MERGE|DELETE|SET|REMOVE)\b`)

func isWriteShapedQuery(q string) bool {
	return graphWriteVerb.MatchString(strings.TrimSpace(q))
}

func toolCatalog() []protocol.Tool {
	simple := func(name, description string) protocol.Tool {
		return protocol.Tool{
			Name:        name,
			Description: description,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"action": map[string]interface{}{"type": "string"},
				},
				"required": []string{"action"},
			},
		}
	}
	return []protocol.Tool{
		simple("memory", "store, retrieve, link, and build context from documents (unified operations/the hybrid retriever)"),
		simple("chat", "log conversation turns and query chat history"),
		simple("todo", "track pending and completed tasks (the relational store)"),
		simple("context_links", "link chat messages to the chunks that answered them"),
		simple("graph", "read typed relations between resources; link/auto_link/detach mutate them (the graph store)"),
		simple("cache", "read/write the ephemeral key-value store (the cache)"),
		simple("pattern", "best-effort function/class extraction and code summaries"),
		simple("sync", "verify and repair cross-store consistency (the consistency manager)"),
		simple("config", "read and tune the hybrid retrieval weights (the hybrid retriever)"),
		simple("thought", "record and analyze sequential reasoning chains (the thought engine)"),
	}
}
