// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Upload constants
const (
	// MaxUploadSize is the maximum accepted image payload in bytes (32MB)
	MaxUploadSize = 32 << 20

	// MultipartMemory is the part of a multipart form kept in memory before spilling to disk
	MultipartMemory = 8 << 20
)

// Websocket constants
const (
	// WSWriteTimeout bounds a single websocket write
	WSWriteTimeout = 30 * time.Second

	// WSPongWait is how long the server waits for a pong before dropping the connection
	WSPongWait = 60 * time.Second

	// WSPingInterval must be shorter than WSPongWait
	WSPingInterval = WSPongWait * 9 / 10
)

// Server constants
const (
	// ShutdownTimeout bounds graceful shutdown of the HTTP server
	ShutdownTimeout = 15 * time.Second

	// ReadHeaderTimeout bounds reading request headers
	ReadHeaderTimeout = 10 * time.Second
)
