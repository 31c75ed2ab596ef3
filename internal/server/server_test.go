package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/ironsheep/image-loader/internal/diskcache"
	"github.com/ironsheep/image-loader/internal/fetch"
	"github.com/ironsheep/image-loader/internal/memcache"
	"github.com/ironsheep/image-loader/internal/resolver"
	"github.com/ironsheep/image-loader/internal/work"
)

// createTestImage returns a PNG of a solid colour.
func createTestImage(t *testing.T, width, height int, c color.Color) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode image: %v", err)
	}
	return buf.Bytes()
}

type testEnv struct {
	srv     *Server
	sched   *work.Scheduler
	memory  *memcache.Cache
	fetches *atomic.Int32
}

// newTestServer wires a server over in-memory stores. fetch answers every
// URL; the file system holds /img/red.png (100x80).
func newTestServer(t *testing.T, fetchFn func(ctx context.Context, url string) ([]byte, error)) testEnv {
	t.Helper()

	files := memfs.New()
	if err := util.WriteFile(files, "/img/red.png", createTestImage(t, 100, 80, color.NRGBA{R: 255, A: 255}), 0o644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	var fetches atomic.Int32
	fetcher := fetch.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		fetches.Add(1)
		return fetchFn(ctx, url)
	})

	memory, err := memcache.New(memcache.Config{MaxEntries: 16})
	if err != nil {
		t.Fatalf("memcache.New: %v", err)
	}
	disk := diskcache.New(osfs.New(t.TempDir()), fetcher)
	sched := work.NewScheduler(work.Config{MaxParallelTasks: 4}, memory, resolver.Deps{Disk: disk, Files: files})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sched.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return testEnv{
		srv:     New(sched, disk, WithVersion("1.2.3")),
		sched:   sched,
		memory:  memory,
		fetches: &fetches,
	}
}

func newIdleServer(t *testing.T) *Server {
	return newTestServer(t, func(context.Context, string) ([]byte, error) { return nil, io.EOF }).srv
}

func TestMCPRequest_Unmarshal(t *testing.T) {
	tests := []struct {
		name       string
		json       string
		wantID     interface{}
		wantMethod string
	}{
		{
			"string id",
			`{"jsonrpc":"2.0","id":"test-1","method":"tools/list"}`,
			"test-1",
			"tools/list",
		},
		{
			"number id",
			`{"jsonrpc":"2.0","id":42,"method":"ping"}`,
			float64(42),
			"ping",
		},
		{
			"null id",
			`{"jsonrpc":"2.0","id":null,"method":"initialize"}`,
			nil,
			"initialize",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req MCPRequest
			if err := json.Unmarshal([]byte(tt.json), &req); err != nil {
				t.Fatalf("Failed to unmarshal: %v", err)
			}
			if req.ID != tt.wantID {
				t.Errorf("ID: got %v (%T), want %v (%T)", req.ID, req.ID, tt.wantID, tt.wantID)
			}
			if req.Method != tt.wantMethod {
				t.Errorf("Method: got %s, want %s", req.Method, tt.wantMethod)
			}
		})
	}
}

func TestHandleRequest_Initialize(t *testing.T) {
	s := newIdleServer(t)
	resp := s.handleRequest(context.Background(), &MCPRequest{JSONRPC: "2.0", ID: "init-1", Method: "initialize"})

	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatal("Result should be a map")
	}
	if result["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion: got %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]interface{})
	if info["name"] != "image-loader" || info["version"] != "1.2.3" {
		t.Errorf("serverInfo: got %v", info)
	}
}

func TestHandleRequest_Ping(t *testing.T) {
	s := newIdleServer(t)
	resp := s.handleRequest(context.Background(), &MCPRequest{JSONRPC: "2.0", ID: "ping-1", Method: "ping"})

	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.ID != "ping-1" {
		t.Errorf("ID: got %v, want ping-1", resp.ID)
	}
}

func TestHandleRequest_NotificationsInitialized(t *testing.T) {
	s := newIdleServer(t)
	if resp := s.handleRequest(context.Background(), &MCPRequest{JSONRPC: "2.0", Method: "notifications/initialized"}); resp != nil {
		t.Error("notifications/initialized should return nil response")
	}
}

func TestHandleRequest_MethodNotFound(t *testing.T) {
	s := newIdleServer(t)
	resp := s.handleRequest(context.Background(), &MCPRequest{JSONRPC: "2.0", ID: 1, Method: "nonexistent/method"})

	if resp == nil || resp.Error == nil {
		t.Fatal("Expected error for unknown method")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("Error code: got %d, want -32601", resp.Error.Code)
	}
}

func TestRun_LineProtocol(t *testing.T) {
	s := newIdleServer(t)
	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		``,
		`not json`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	}, "\n")

	var out bytes.Buffer
	if err := s.Run(context.Background(), strings.NewReader(in), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	byID := map[string]MCPResponse{}
	var parseErrors int
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var resp MCPResponse
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			t.Fatalf("bad output line %q: %v", sc.Text(), err)
		}
		if resp.ID == nil {
			if resp.Error == nil || resp.Error.Code != -32700 {
				t.Errorf("unexpected message without id: %s", sc.Text())
			}
			parseErrors++
			continue
		}
		byID[mustMarshalJSON(resp.ID)] = resp
	}

	if parseErrors != 1 {
		t.Errorf("parse errors: got %d, want 1", parseErrors)
	}
	if len(byID) != 2 {
		t.Fatalf("responses: got %d, want 2", len(byID))
	}
	if byID["1"].Error != nil || byID["2"].Error != nil {
		t.Errorf("unexpected errors: %+v", byID)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s := newIdleServer(t)
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, r, io.Discard) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMCPNotification_Marshal(t *testing.T) {
	data, err := json.Marshal(MCPNotification{JSONRPC: "2.0", Method: finishedNotification, Params: map[string]string{"key": "value"}})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if strings.Contains(string(data), `"id"`) {
		t.Errorf("notification must not carry an id: %s", data)
	}
}
