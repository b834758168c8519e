package evok

import "errors"

// Domain errors for the Evok bridge package.
var (
	// ErrInvalidConfig is returned when the mapping table or bridge options
	// are invalid. It is fatal and reported before any connection is made.
	ErrInvalidConfig = errors.New("evok: invalid configuration")

	// ErrDecodeFailed is returned when a websocket frame cannot be decoded.
	// The frame is dropped and the event loop continues.
	ErrDecodeFailed = errors.New("evok: frame decode failed")

	// ErrUnmappedCircuit marks a well-formed event for a circuit the mapping
	// table does not contain. It is expected traffic, not a failure.
	ErrUnmappedCircuit = errors.New("evok: unmapped circuit")

	// ErrTopicMismatch is returned when a topic does not follow the command grammar.
	ErrTopicMismatch = errors.New("evok: topic does not match command grammar")

	// ErrNotConnected is returned when a command cannot be sent because
	// the websocket is down.
	ErrNotConnected = errors.New("evok: not connected")

	// ErrConnectionFailed is returned when dialling the Evok endpoint fails.
	ErrConnectionFailed = errors.New("evok: connection failed")

	// ErrConnectionLost is returned once the client has exhausted its
	// reconnect attempts.
	ErrConnectionLost = errors.New("evok: connection lost")

	// ErrClientClosed is returned for operations on a closed client.
	ErrClientClosed = errors.New("evok: client closed")

	// ErrCommandFailed is returned when a command could not be written to Evok.
	ErrCommandFailed = errors.New("evok: command failed")
)
