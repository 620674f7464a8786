package transport

import "errors"

// ErrReadTimeout is returned by ReadByte when no byte arrives within the
// port's read timeout.
var ErrReadTimeout = errors.New("serial read timed out")

// Transport is the byte-level, synchronous view of one serial connection.
// Implementations are not safe for concurrent use; the owning controller
// serializes access.
type Transport interface {
	WriteByte(b byte) error
	// ReadByte blocks for at most one read timeout.
	ReadByte() (byte, error)
	// ReadFrame collects up to max bytes, returning early when a read times
	// out. An idle line yields an empty slice and no error.
	ReadFrame(max int) ([]byte, error)
	Name() string
	Close() error
}
