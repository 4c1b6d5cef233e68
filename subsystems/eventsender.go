package subsystems

import "time"

// EventSenderResult is the outcome of delivering one analytics payload.
type EventSenderResult struct {
	// Success is true if the payload was accepted (2xx).
	Success bool

	// MustShutdown is true if the service rejected the SDK's credentials;
	// the event pipeline stops sending for the rest of the process lifetime.
	MustShutdown bool

	// ServerTime is the service clock from the response Date header, if
	// present. It feeds the debug-event expiry check so that client clock
	// drift cannot prematurely cut debug events off.
	ServerTime time.Time
}

// EventSender delivers serialized analytics payloads. The default
// implementation POSTs to the events endpoint; tests substitute their own.
type EventSender interface {
	// SendEventData delivers one JSON payload. isDiagnostic selects the
	// diagnostic endpoint, which has no retry/shutdown interaction with the
	// analytics pipeline.
	SendEventData(payload []byte, isDiagnostic bool) EventSenderResult
}
