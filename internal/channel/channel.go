// Package channel defines the automation-channel port: a connected,
// authenticated remote messaging interface that can deliver one attachment
// to one recipient at a time.
//
// Drivers live in subpackages (sim, telegram). The dispatch loop treats a
// Channel as a single logical UI session: calls are never issued
// concurrently against one handle.
package channel

import (
	"context"
	"errors"
	"fmt"
)

// ErrRecipientUnreachable reports that no conversation/contact could be
// resolved for the recipient. Per-recipient and recoverable: the dispatcher
// records it and moves on.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

// Error is a channel-level failure. During delivery it is recorded exactly
// like ErrRecipientUnreachable; during connection bootstrap it is fatal for
// the bootstrap attempt.
type Error struct {
	Op  string // "connect", "deliver", "reset_home", ...
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "channel: " + e.Op + " failed"
	}
	return fmt.Sprintf("channel: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ConnectEventKind enumerates the signals a driver emits while establishing
// the channel.
type ConnectEventKind string

const (
	// EventPairing carries an out-of-band credential artifact (QR code URL,
	// pairing code) that must be presented to the user verbatim.
	EventPairing ConnectEventKind = "pairing"
	// EventAuthenticated means the channel is ready for delivery.
	EventAuthenticated ConnectEventKind = "authenticated"
	// EventFailed terminates the connect attempt.
	EventFailed ConnectEventKind = "failed"
)

type ConnectEvent struct {
	Kind     ConnectEventKind
	Artifact string // pairing artifact, opaque to everything above the driver
	Err      error  // set for EventFailed
}

// Channel is one live automation session against the remote platform.
type Channel interface {
	// Connect starts authentication and returns a stream of connect events.
	// The stream is closed by the driver after a terminal event
	// (authenticated or failed). Long-latency; callers run it in the
	// background.
	Connect(ctx context.Context) (<-chan ConnectEvent, error)

	// Deliver opens the conversation for recipient and transmits the
	// attachment with an optional caption. Returns nil,
	// ErrRecipientUnreachable, or *Error.
	Deliver(ctx context.Context, recipient, attachmentPath, caption string) error

	// ResetHome re-homes the channel to a known-good starting view.
	// Best-effort; callers ignore failures.
	ResetHome(ctx context.Context) error

	// Close tears the channel down. Idempotent.
	Close() error
}

// Factory opens a fresh Channel. The registry owns the returned handle.
type Factory func(ctx context.Context) (Channel, error)
