package realtime

import (
	"time"

	v1 "murmur/shared/contracts/realtime/v1"
)

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = v1.MaxMessageChars

	// Upper bound for one append plus its fanout, independent of the connection.
	storeWriteTimeout = 10 * time.Second
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (inbound frames per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
