package voice

import (
	"errors"
	"fmt"
)

var (
	// ErrRoomFull is returned by Enable before the microphone is touched.
	ErrRoomFull      = errors.New("voice: room is at capacity")
	ErrVoiceDisabled = errors.New("voice: not enabled")
	ErrClosed        = errors.New("voice: mesh closed")
)

// MicrophoneError reports a failure to acquire the local microphone. Voice
// stays disabled.
type MicrophoneError struct {
	Err error
}

func (e *MicrophoneError) Error() string {
	return fmt.Sprintf("voice: microphone: %v", e.Err)
}

func (e *MicrophoneError) Unwrap() error {
	return e.Err
}

// LinkError wraps a negotiation failure with one peer.
type LinkError struct {
	Op   string
	Peer string
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("voice: %s with %s: %v", e.Op, e.Peer, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

func linkError(op, peer string, err error) *LinkError {
	return &LinkError{Op: op, Peer: peer, Err: err}
}
