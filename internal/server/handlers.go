package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	slogctx "github.com/veqryn/slog-context"

	"github.com/ironsheep/image-loader/internal/imaging"
	"github.com/ironsheep/image-loader/internal/request"
	"github.com/ironsheep/image-loader/internal/transform"
)

// CodeCancelled marks a load that ended without a result because it was
// cancelled or superseded.
const CodeCancelled errors.ErrorCode = "CANCELLED"

var errLoadCancelled = errors.New(CodeCancelled, "image load was cancelled")

// finishedNotification is sent when a load started by image_fetch ends.
const finishedNotification = "notifications/image_loader/finished"

// ToolCallParams represents the parameters for a tools/call request.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleToolsCall runs a tool and wraps its result in the content format:
//
//	{
//	  "content": [{"type": "text", "text": "<JSON result>"}]
//	}
//
// Tool errors become JSON-RPC error -32000 carrying the error code.
func (s *Server) handleToolsCall(ctx context.Context, req *MCPRequest) *MCPResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}
	ctx = slogctx.With(ctx, "tool", params.Name)

	result, err := s.executeTool(ctx, params.Name, params.Arguments)
	if err != nil {
		slogctx.FromCtx(ctx).Debug("tool failed", "error", err)
		return s.errorResponse(req.ID, -32000, "Tool execution failed", errors.ToJSON(err))
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": mustMarshalJSON(result),
				},
			},
		},
	}
}

func (s *Server) executeTool(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	switch name {
	case "image_fetch":
		return s.handleImageFetch(ctx, args)
	case "cancel":
		return s.handleCancel(args)
	case "cache_clear":
		return s.handleCacheClear(ctx, args)
	case "cache_purge":
		return s.handleCachePurge(ctx)
	case "cache_stats":
		return s.handleCacheStats(), nil
	default:
		return nil, errors.Newf(errors.CodeNotFound, "unknown tool: %s", name)
	}
}

func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// mustMarshalJSON converts a value to pretty-printed JSON. On marshal
// failure it returns an empty string.
func mustMarshalJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func decodeArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput, "invalid tool arguments")
	}
	return nil
}

// === image_fetch ===

type transformArgs struct {
	Type            string  `json:"type"`
	X1              int     `json:"x1"`
	Y1              int     `json:"y1"`
	X2              int     `json:"x2"`
	Y2              int     `json:"y2"`
	Scale           float64 `json:"scale"`
	WidthRatio      float64 `json:"width_ratio"`
	HeightRatio     float64 `json:"height_ratio"`
	Zoom            float64 `json:"zoom"`
	Direction       string  `json:"direction"`
	Degrees         float64 `json:"degrees"`
	Size            float64 `json:"size"`
	Style           string  `json:"style"`
	Radius          float64 `json:"radius"`
	Color           string  `json:"color"`
	Strength        float64 `json:"strength"`
	Spacing         int     `json:"spacing"`
	ShowCoordinates bool    `json:"show_coordinates"`
}

type imageFetchArgs struct {
	URL             string `json:"url"`
	Path            string `json:"path"`
	Bundle          string `json:"bundle"`
	Resource        string `json:"resource"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds"`
	Downsample      *struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"downsample"`
	Transforms []transformArgs `json:"transforms"`
	Retry      *struct {
		Count   int `json:"count"`
		DelayMS int `json:"delay_ms"`
	} `json:"retry"`
	Transparency *bool  `json:"transparency"`
	Target       string `json:"target"`
	IncludeImage bool   `json:"include_image"`
}

type imageFetchResult struct {
	Key      string `json:"key"`
	Result   string `json:"result"`
	Attempts int    `json:"attempts"`
	Fade     bool   `json:"fade"`
	imaging.ImageInfo
	Image *imaging.EncodedImage `json:"image,omitempty"`
}

// parseTransform maps one transforms[] entry to a Transformation.
func parseTransform(a transformArgs) (transform.Transformation, error) {
	switch strings.ToLower(a.Type) {
	case "crop":
		return transform.Crop{X1: a.X1, Y1: a.Y1, X2: a.X2, Y2: a.Y2, Scale: a.Scale}, nil
	case "crop_ratio":
		return transform.CropRatio{WidthRatio: a.WidthRatio, HeightRatio: a.HeightRatio, Zoom: a.Zoom}, nil
	case "flip":
		switch a.Direction {
		case "", "horizontal":
			return transform.Flip{Direction: transform.FlipHorizontal}, nil
		case "vertical":
			return transform.Flip{Direction: transform.FlipVertical}, nil
		}
		return nil, errors.Newf(errors.CodeInvalidInput, "invalid flip direction %q", a.Direction)
	case "rotate":
		return transform.Rotate{Degrees: a.Degrees}, nil
	case "corners":
		style := transform.AllRounded
		switch a.Style {
		case "", "rounded":
		case "cut":
			style = transform.AllCut
		default:
			return nil, errors.Newf(errors.CodeInvalidInput, "invalid corner style %q", a.Style)
		}
		c := transform.NewCorners(a.Size, style)
		if a.WidthRatio > 0 && a.HeightRatio > 0 {
			c.CropWidthRatio = a.WidthRatio
			c.CropHeightRatio = a.HeightRatio
		}
		return c, nil
	case "circle":
		return transform.Circle{}, nil
	case "grayscale":
		return transform.Grayscale{}, nil
	case "sepia":
		return transform.Sepia{}, nil
	case "blur":
		return transform.Blur{Radius: a.Radius}, nil
	case "tint":
		return transform.Tint{Color: a.Color, Strength: a.Strength}, nil
	case "grid":
		spacing := a.Spacing
		if spacing == 0 {
			spacing = 50
		}
		return transform.GridOverlay{Spacing: spacing, ShowCoordinates: a.ShowCoordinates, Color: a.Color}, nil
	default:
		return nil, errors.Newf(errors.CodeInvalidInput, "unknown transformation %q", a.Type)
	}
}

// builder picks the source from exactly one of url, path, bundle or
// resource.
func (a imageFetchArgs) builder() (*request.Builder, error) {
	var b *request.Builder
	n := 0
	if a.URL != "" {
		b, n = request.FromURL(a.URL), n+1
	}
	if a.Path != "" {
		b, n = request.FromFile(a.Path), n+1
	}
	if a.Bundle != "" {
		b, n = request.FromBundle(a.Bundle), n+1
	}
	if a.Resource != "" {
		b, n = request.FromCompiledResource(a.Resource), n+1
	}
	if n != 1 {
		return nil, errors.New(errors.CodeInvalidInput, "exactly one of url, path, bundle or resource is required")
	}
	return b, nil
}

// fetchCall collects the callbacks of one image_fetch call. A caller
// detached from a shared task sees a cancellation even when the task
// goes on to succeed for others.
type fetchCall struct {
	success *request.Success
	err     error
	done    chan request.ScheduledWork
}

func (s *Server) buildRequest(a imageFetchArgs) (*request.Descriptor, *fetchCall, error) {
	b, err := a.builder()
	if err != nil {
		return nil, nil, err
	}
	if a.CacheTTLSeconds > 0 {
		b.CacheDuration(time.Duration(a.CacheTTLSeconds) * time.Second)
	}
	if a.Downsample != nil {
		b.DownSample(a.Downsample.Width, a.Downsample.Height)
	}
	for i, ta := range a.Transforms {
		t, err := parseTransform(ta)
		if err != nil {
			return nil, nil, errors.WithContext(err, "index", i)
		}
		b.Transform(t)
	}
	if a.Retry != nil {
		b.Retry(a.Retry.Count, time.Duration(a.Retry.DelayMS)*time.Millisecond)
	}
	if a.Transparency != nil {
		b.Transparency(*a.Transparency)
	}
	if a.Target != "" {
		b.Target(a.Target)
	}

	call := &fetchCall{done: make(chan request.ScheduledWork, 1)}
	target := a.Target
	b.OnSuccess(func(r request.Success) { call.success = &r }).
		OnError(func(err error) { call.err = err }).
		OnFinish(func(w request.ScheduledWork) {
			if target != "" {
				s.notify(finishedNotification, map[string]interface{}{
					"target":    target,
					"key":       w.Key(),
					"attempts":  w.Attempts(),
					"cancelled": w.Cancelled(),
				})
			}
			call.done <- w
		})
	desc, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	return desc, call, nil
}

func (s *Server) handleImageFetch(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a imageFetchArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	desc, call, err := s.buildRequest(a)
	if err != nil {
		return nil, err
	}

	task, err := s.sched.Load(ctx, desc)
	if err != nil {
		return nil, err
	}
	var w request.ScheduledWork
	select {
	case w = <-call.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	switch {
	case w.Cancelled():
		return nil, errors.WithContext(errLoadCancelled, "key", task.Key())
	case call.err != nil:
		return nil, call.err
	case call.success == nil:
		return nil, errors.WithContext(errLoadCancelled, "key", task.Key())
	}
	o := call.success
	res := imageFetchResult{
		Key:       task.Key(),
		Result:    o.Result.String(),
		Attempts:  w.Attempts(),
		Fade:      o.Fade,
		ImageInfo: imaging.Describe(o.Image, ""),
	}
	if a.IncludeImage {
		enc, err := imaging.EncodePNG(o.Image)
		if err != nil {
			return nil, err
		}
		res.Image = enc
	}
	return res, nil
}

// === cancel ===

type cancelArgs struct {
	Target string `json:"target"`
}

func (s *Server) handleCancel(args json.RawMessage) (interface{}, error) {
	var a cancelArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Target == "" {
		return nil, errors.New(errors.CodeInvalidInput, "target is required")
	}
	return map[string]interface{}{
		"target":    a.Target,
		"cancelled": s.sched.Cancel(a.Target),
	}, nil
}

// === cache maintenance ===

type cacheClearArgs struct {
	Memory *bool `json:"memory"`
	Disk   *bool `json:"disk"`
}

func (s *Server) handleCacheClear(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a cacheClearArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	memory := a.Memory == nil || *a.Memory
	disk := a.Disk == nil || *a.Disk

	if memory {
		s.sched.Memory().Clear()
	}
	if disk {
		if s.disk == nil {
			return nil, errors.New(errors.CodeUnavailable, "no disk cache configured")
		}
		if err := s.disk.Clear(ctx); err != nil {
			return nil, err
		}
	}
	slogctx.FromCtx(ctx).Info("caches cleared", "memory", memory, "disk", disk)
	return map[string]interface{}{"memory": memory, "disk": disk}, nil
}

func (s *Server) handleCachePurge(ctx context.Context) (interface{}, error) {
	if s.disk == nil {
		return nil, errors.New(errors.CodeUnavailable, "no disk cache configured")
	}
	removed, err := s.disk.Purge(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"removed": removed}, nil
}

type cacheStats struct {
	MemoryEntries int    `json:"memory_entries"`
	MemoryBytes   int64  `json:"memory_bytes"`
	PendingTasks  int    `json:"pending_tasks"`
	DiskFetches   int    `json:"disk_fetches_in_flight"`
	Summary       string `json:"summary"`
}

func (s *Server) handleCacheStats() cacheStats {
	mem := s.sched.Memory()
	st := cacheStats{
		MemoryEntries: mem.Len(),
		MemoryBytes:   mem.Size(),
		PendingTasks:  s.sched.PendingCount(),
	}
	if s.disk != nil {
		st.DiskFetches = s.disk.Pending()
	}
	st.Summary = fmt.Sprintf("%d images in memory (%d bytes), %d pending", st.MemoryEntries, st.MemoryBytes, st.PendingTasks)
	return st
}
