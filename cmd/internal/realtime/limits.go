package realtime

import "time"

// Security/performance limits for notification channels.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	// Liveness defaults (can be overridden by env in ws_gateway.go).
	pingInterval = 30 * time.Second
	pingTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
