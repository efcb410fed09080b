package sfu

import "errors"

var (
	// ErrRoomClosed indicates the room has been closed
	ErrRoomClosed = errors.New("room is closed")

	// ErrPeerNotFound indicates no waiting or admitted peer has that ID
	ErrPeerNotFound = errors.New("peer not found")

	// ErrPeerClosed indicates the peer connection has been closed
	ErrPeerClosed = errors.New("peer is closed")

	// ErrForwarderClosed indicates the forwarder has been closed
	ErrForwarderClosed = errors.New("forwarder is closed")

	// ErrConnectionFailed indicates the WebRTC connection failed
	ErrConnectionFailed = errors.New("connection failed")

	// ErrCandidateQueueFull indicates too many candidates arrived before
	// the remote description
	ErrCandidateQueueFull = errors.New("candidate queue full")

	// ErrNotAdmitted indicates the operation needs an admitted peer
	ErrNotAdmitted = errors.New("peer not admitted")
)
