// Package server exposes the image loading engine as JSON-RPC 2.0 tools
// over a line-oriented stream, usually stdio.
//
// # Protocol
//
//   - Input: one JSON-RPC request per line
//   - Output: one JSON-RPC response or notification per line
//
// Supported methods are initialize, tools/list, tools/call and ping, so any
// MCP client can drive the server. Requests are handled concurrently and
// responses may arrive out of order; match them by id.
//
// # Tools
//
//   - image_fetch: load an image through the scheduler and report its
//     metadata, optionally with the result as base64 PNG
//   - cancel: cancel the pending request bound to a target
//   - cache_clear: empty the memory and/or disk cache
//   - cache_purge: drop expired disk entries
//   - cache_stats: report cache occupancy and pending work
//
// When image_fetch names a target, a notifications/image_loader/finished
// message is sent once that request ends, including when it was superseded
// by a newer request for the same target.
//
// # Errors
//
// Tool failures are JSON-RPC error -32000 whose data is the error code,
// message and context of the underlying error.
package server
