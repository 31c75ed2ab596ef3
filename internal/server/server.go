package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"

	"github.com/ironsheep/image-loader/internal/diskcache"
	"github.com/ironsheep/image-loader/internal/work"
)

const protocolVersion = "2024-11-05"

// Server answers JSON-RPC requests by driving a work.Scheduler.
type Server struct {
	sched   *work.Scheduler
	disk    *diskcache.Cache
	name    string
	version string

	// out serialises writes from request goroutines and task callbacks.
	outMu sync.Mutex
	out   *json.Encoder
}

// MCPRequest represents an incoming JSON-RPC 2.0 request.
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an outgoing JSON-RPC 2.0 response.
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

// MCPError represents a JSON-RPC 2.0 error.
type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MCPNotification is a server-initiated message without an ID.
type MCPNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version reported by initialize.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a server. disk may be nil, in which case the disk cache tools
// report an error.
func New(sched *work.Scheduler, disk *diskcache.Cache, opts ...Option) *Server {
	s := &Server{
		sched:   sched,
		disk:    disk,
		name:    "image-loader",
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reads one request per line from r and writes responses to w until r
// is exhausted or ctx is cancelled. Requests are handled concurrently, so a
// slow image_fetch does not hold up a cancel for it. Run returns once every
// started request has been answered.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	log := slogctx.FromCtx(ctx)
	s.outMu.Lock()
	s.out = json.NewEncoder(w)
	s.outMu.Unlock()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	var g errgroup.Group
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case line, ok := <-lines:
			if !ok {
				done = true
				break
			}
			if len(line) == 0 {
				continue
			}
			var req MCPRequest
			if err := json.Unmarshal(line, &req); err != nil {
				log.Warn("failed to parse request", slog.Any("error", err))
				s.send(s.errorResponse(nil, -32700, "Parse error", err.Error()))
				continue
			}
			g.Go(func() error {
				reqCtx := slogctx.With(ctx, "method", req.Method)
				if resp := s.handleRequest(reqCtx, &req); resp != nil {
					s.send(resp)
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	select {
	case err := <-scanErr:
		return err
	default:
		return nil
	}
}

func (s *Server) send(v interface{}) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.out == nil {
		return
	}
	if err := s.out.Encode(v); err != nil {
		slog.Default().Error("failed to write message", slog.Any("error", err))
	}
}

func (s *Server) notify(method string, params interface{}) {
	s.send(MCPNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// handleRequest routes a request to its handler. Notifications return nil.
func (s *Server) handleRequest(ctx context.Context, req *MCPRequest) *MCPResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]interface{}{},
		}
	default:
		return s.errorResponse(req.ID, -32601, "Method not found", req.Method)
	}
}

func (s *Server) handleInitialize(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    s.name,
				"version": s.version,
			},
		},
	}
}
