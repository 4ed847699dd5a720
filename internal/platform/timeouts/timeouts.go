// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// RailCall caps a single call to an external payment rail provider. A rail
// call that exceeds this budget surfaces as a retryable failure, never as a
// stuck request.
const RailCall = 10 * time.Second

// RelayPublish caps a single publish to the attestation relay.
const RelayPublish = 10 * time.Second

// RelayFetch caps one ordered fetch of attestation records for a task.
const RelayFetch = 30 * time.Second

// Shutdown limits how long a process waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second
