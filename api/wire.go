package api

// KeySize is the fixed length of a lock key on the wire.
const KeySize = 16

const (
	// OwnerMarker is sent by the server once a connection becomes the owner of
	// its key.
	OwnerMarker byte = 'O'
	// ReleaseMarker is sent by an owner to give up its key, and by the server
	// to tell a waiter that the key it is parked on was released. A notified
	// waiter must resend its key to compete again.
	ReleaseMarker byte = 'R'
)
