package ctcp

import "errors"

var (
	// ErrShortSegment is returned by Unmarshal when the buffer is shorter
	// than HeaderLen.
	ErrShortSegment = errors.New("ctcp: segment shorter than header")
	// ErrBadLength is returned when the declared len field does not fit
	// the received bytes.
	ErrBadLength = errors.New("ctcp: segment len field out of range")
	// ErrBadChecksum is returned when a received segment's checksum does
	// not validate. Per spec.md §7 this is a recoverable, silently
	// dropped condition on the hot path; callers log/count it rather than
	// propagating it as a connection error.
	ErrBadChecksum = errors.New("ctcp: invalid checksum")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("ctcp: invalid config")
)

// ConnectionLostError is returned up to the host loop for unrecoverable
// connection conditions: the peer went unresponsive past the
// retransmission limit, or LAST_ACK/FIN_WAIT_2 timed out. The host loop
// is free to log it and tear the connection down.
type ConnectionLostError struct {
	Reason string
}

func (e *ConnectionLostError) Error() string {
	return "ctcp: connection lost: " + e.Reason
}
