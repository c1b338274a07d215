package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of the controller.
type State int

const (
	// StateIdle accepts new sends.
	StateIdle State = iota
	// StateStreaming has one request in flight.
	StateStreaming
	// StateSuccess is passed through when a reply completes; the controller settles in StateIdle.
	StateSuccess
	// StateError is held after a failed request until the next send, retry or dismiss. It accepts
	// new sends like StateIdle.
	StateError
	// StateCancelled is passed through on cancellation; the controller settles in StateIdle.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrEmptyInput rejects empty or whitespace-only input.
	ErrEmptyInput = errors.New("message is empty")
	// ErrInputTooLong rejects input longer than the configured maximum.
	ErrInputTooLong = errors.New("message is too long")
	// ErrNotConfigured rejects sends while the provider has no API key.
	ErrNotConfigured = errors.New("assistant is not configured")
	// ErrSessionActive rejects edits of the conversation while a reply is streaming.
	ErrSessionActive = errors.New("a reply is still streaming")
)
