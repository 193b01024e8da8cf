// Package timeouts defines shared timeout constants used across the
// availability engine. Centralizing these values prevents drift between
// process boundaries and makes the durations discoverable.
package timeouts

import "time"

// ProviderSend caps one outbound call to a messaging channel provider.
const ProviderSend = 10 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
