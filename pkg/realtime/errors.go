package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors for channel operations.
var (
	// ErrNoToken indicates no bearer token was available for a room join.
	ErrNoToken = errors.New("no access token for room join")

	// ErrRoomRejected indicates the server answered a join with room_error.
	ErrRoomRejected = errors.New("room join rejected")

	// ErrJoinTimeout indicates no join acknowledgement arrived in time.
	ErrJoinTimeout = errors.New("room join timed out")

	// ErrNotConnected indicates the transport gave up reconnecting or was
	// disconnected while an operation waited.
	ErrNotConnected = errors.New("realtime channel not connected")

	// ErrProtocol indicates a frame that does not follow the Socket.IO protocol.
	ErrProtocol = errors.New("realtime protocol error")
)

// RoomError is a join rejected by the server.
type RoomError struct {
	// RunID is the room (run id) that was rejected.
	RunID string

	// Message is the server's reason (run not found, unauthorized, invalid token).
	Message string
}

// Error implements the error interface.
func (e *RoomError) Error() string {
	return fmt.Sprintf("join room %s: %s", e.RunID, e.Message)
}

// Unwrap returns ErrRoomRejected for errors.Is support.
func (e *RoomError) Unwrap() error {
	return ErrRoomRejected
}

// IsRoomRejected returns true if the server rejected a room join.
func IsRoomRejected(err error) bool {
	return errors.Is(err, ErrRoomRejected)
}

// IsNoToken returns true if a join failed for lack of a token.
func IsNoToken(err error) bool {
	return errors.Is(err, ErrNoToken)
}
