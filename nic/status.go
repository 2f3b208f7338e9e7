package nic

import "errors"

var (
	// ErrBusy indicates the hardware cannot accept more work right now:
	// a full transaction queue or a mailbox with no send credits left.
	// The caller may retry once earlier work completes.
	ErrBusy = errors.New("nic: resource busy")

	// ErrClosed indicates the device or endpoint has been torn down.
	ErrClosed = errors.New("nic: device closed")

	// ErrInvalid indicates a malformed request, such as an unregistered
	// memory handle or a zero-length transaction.
	ErrInvalid = errors.New("nic: invalid argument")
)

// Status is the hardware's verdict on a completed transaction, carried by
// CQEvent.
type Status int

const (
	// StatusOK marks a successful completion.
	StatusOK Status = iota
	// StatusTransientError marks a transaction that failed in a way the
	// hardware considers recoverable, such as a fabric-level NAK. The
	// identical transaction may be posted again.
	StatusTransientError
	// StatusFatalError marks a transaction that failed permanently.
	// Reposting it cannot succeed.
	StatusFatalError
)

// Recoverable reports whether the identical transaction may be reissued.
func (s Status) Recoverable() bool {
	return s == StatusTransientError
}

// OK reports whether the transaction succeeded.
func (s Status) OK() bool {
	return s == StatusOK
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTransientError:
		return "transient error"
	case StatusFatalError:
		return "fatal error"
	default:
		return "unknown status"
	}
}

// PostState is the terminal state of a connection datagram reported by
// Endpoint.WaitDatagram.
type PostState int

const (
	// PostPending means the datagram has not completed. WaitDatagram only
	// returns it for IDs that were never signalled, which the transport
	// engine never requests.
	PostPending PostState = iota
	// PostCompleted means the datagram matched a remote datagram and the
	// out-of-band payloads were exchanged.
	PostCompleted
	// PostTerminated means the datagram was cancelled locally.
	PostTerminated
	// PostTimeout means the hardware gave up on the exchange.
	PostTimeout
)

func (s PostState) String() string {
	switch s {
	case PostPending:
		return "pending"
	case PostCompleted:
		return "completed"
	case PostTerminated:
		return "terminated"
	case PostTimeout:
		return "timeout"
	default:
		return "unknown post state"
	}
}
