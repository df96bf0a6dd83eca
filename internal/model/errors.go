package model

import "errors"

// Error kinds surfaced by the agent's subsystems (spec §7). Fatal kinds abort
// startup; the rest are non-fatal and downgrade to a logged warning plus a
// counter increment.
var (
	// ErrConfigInvalid: malformed configuration file or semantic validation
	// failure. Fatal at startup.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrStorageOpenFailure: cannot open, initialize, or migrate the
	// persistent store. Fatal.
	ErrStorageOpenFailure = errors.New("storage open failure")

	// ErrStorageWriteFailure: one transaction failed. Non-fatal.
	ErrStorageWriteFailure = errors.New("storage write failure")

	// ErrBufferFull: in-memory batch or publisher queue is at capacity.
	ErrBufferFull = errors.New("buffer full")

	// ErrProbeFailure: a platform sample returned no data or partial data.
	ErrProbeFailure = errors.New("probe failure")

	// ErrPublishFailure: transport error, timeout, or non-2xx status.
	ErrPublishFailure = errors.New("publish failure")

	// ErrNotificationFailure: a notification sink returned failure.
	ErrNotificationFailure = errors.New("notification failure")

	// ErrDiscoveryFailure: service discovery produced no endpoints.
	ErrDiscoveryFailure = errors.New("discovery failure")
)
