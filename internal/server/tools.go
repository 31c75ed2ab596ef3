package server

// Tool describes a callable tool for tools/list.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func transformSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{
				"type": "string",
				"enum": []string{
					"crop", "crop_ratio", "flip", "rotate", "corners", "circle",
					"grayscale", "sepia", "blur", "tint", "grid",
				},
			},
			"x1":               map[string]interface{}{"type": "integer", "description": "crop: left edge"},
			"y1":               map[string]interface{}{"type": "integer", "description": "crop: top edge"},
			"x2":               map[string]interface{}{"type": "integer", "description": "crop: right edge (exclusive)"},
			"y2":               map[string]interface{}{"type": "integer", "description": "crop: bottom edge (exclusive)"},
			"scale":            map[string]interface{}{"type": "number", "description": "crop: scale factor for the result"},
			"width_ratio":      map[string]interface{}{"type": "number", "description": "crop_ratio, corners: aspect width"},
			"height_ratio":     map[string]interface{}{"type": "number", "description": "crop_ratio, corners: aspect height"},
			"zoom":             map[string]interface{}{"type": "number", "description": "crop_ratio: zoom factor (default 1)"},
			"direction":        map[string]interface{}{"type": "string", "enum": []string{"horizontal", "vertical"}},
			"degrees":          map[string]interface{}{"type": "number", "description": "rotate: counter-clockwise angle"},
			"size":             map[string]interface{}{"type": "number", "description": "corners: percent of the mean side length"},
			"style":            map[string]interface{}{"type": "string", "enum": []string{"rounded", "cut"}},
			"radius":           map[string]interface{}{"type": "number", "description": "blur: gaussian radius"},
			"color":            map[string]interface{}{"type": "string", "description": "tint, grid: #RRGGBB or #RRGGBBAA"},
			"strength":         map[string]interface{}{"type": "number", "description": "tint: 0 to 1"},
			"spacing":          map[string]interface{}{"type": "integer", "description": "grid: pixels between lines"},
			"show_coordinates": map[string]interface{}{"type": "boolean"},
		},
		"required": []string{"type"},
	}
}

// GetToolDefinitions returns the tools exposed over tools/call.
func GetToolDefinitions() []Tool {
	return []Tool{
		{
			Name: "image_fetch",
			Description: "Load an image from a URL, a local file, the bundle or a compiled resource. " +
				"Results are cached in memory and URLs also on disk. Identical concurrent requests share one load.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url": map[string]interface{}{
						"type":        "string",
						"description": "http(s) URL to fetch",
					},
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Absolute path to a local image file",
					},
					"bundle": map[string]interface{}{
						"type":        "string",
						"description": "Path inside the application bundle",
					},
					"resource": map[string]interface{}{
						"type":        "string",
						"description": "Compiled resource name, with or without extension",
					},
					"cache_ttl_seconds": map[string]interface{}{
						"type":        "integer",
						"description": "Disk cache lifetime for URL sources (default from configuration)",
					},
					"downsample": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"width":  map[string]interface{}{"type": "integer"},
							"height": map[string]interface{}{"type": "integer"},
						},
						"description": "Fit within width x height before other transformations. 0 leaves a side free.",
					},
					"transforms": map[string]interface{}{
						"type":        "array",
						"items":       transformSchema(),
						"description": "Transformations applied in order",
					},
					"retry": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"count":    map[string]interface{}{"type": "integer"},
							"delay_ms": map[string]interface{}{"type": "integer"},
						},
					},
					"transparency": map[string]interface{}{
						"type":        "boolean",
						"description": "Keep the alpha channel (default from configuration)",
					},
					"target": map[string]interface{}{
						"type":        "string",
						"description": "Display slot. A newer request for the same target supersedes this one.",
					},
					"include_image": map[string]interface{}{
						"type":        "boolean",
						"description": "Return the result as base64 PNG (default false)",
					},
				},
			},
		},
		{
			Name:        "cancel",
			Description: "Cancel the pending request bound to a target.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"target": map[string]interface{}{"type": "string"},
				},
				"required": []string{"target"},
			},
		},
		{
			Name:        "cache_clear",
			Description: "Empty the memory cache, the disk cache or both.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"memory": map[string]interface{}{"type": "boolean", "description": "Clear the memory cache (default true)"},
					"disk":   map[string]interface{}{"type": "boolean", "description": "Clear the disk cache (default true)"},
				},
			},
		},
		{
			Name:        "cache_purge",
			Description: "Remove expired and partially written disk cache entries.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "cache_stats",
			Description: "Report cache occupancy and pending work.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

func (s *Server) handleToolsList(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": GetToolDefinitions(),
		},
	}
}
