// Package timeouts defines shared timeout constants so the HTTP server,
// stores and startup code agree on their limits.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Write caps one HTTP response. It must exceed the narration timeout.
const Write = 60 * time.Second

// Idle bounds keep-alive connections.
const Idle = 120 * time.Second

// Shutdown limits how long the server waits for in-flight requests during
// graceful shutdown.
const Shutdown = 10 * time.Second

// StoreCall caps a single storage request issued by an HTTP handler.
const StoreCall = 5 * time.Second

// StartupPing caps the database ping at startup.
const StartupPing = 5 * time.Second
