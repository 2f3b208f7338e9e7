package transport

import "errors"

var (
	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("transport: config is nil")

	// ErrTransportClosed indicates an operation on a closed Transport or Device.
	ErrTransportClosed = errors.New("transport: transport closed")

	// ErrNoDevices indicates that initialization produced no usable device.
	ErrNoDevices = errors.New("transport: no usable devices")
)

var (
	// ErrEndpointFailed indicates that the endpoint reached the failed state
	// and can never carry the fragment.
	ErrEndpointFailed = errors.New("transport: endpoint failed")

	// ErrDatagramFailure indicates that a connection datagram exchange failed.
	// Datagram failures are terminal for their endpoint; they are never retried.
	ErrDatagramFailure = errors.New("transport: connection datagram failed")
)

var (
	// ErrSendRetriesExceeded indicates that a short-message send kept failing
	// recoverably until the retry budget ran out.
	ErrSendRetriesExceeded = errors.New("transport: short-message retries exceeded")

	// ErrRdmaRetriesExceeded indicates that an FMA/RDMA transaction kept
	// failing recoverably until the retry budget ran out.
	ErrRdmaRetriesExceeded = errors.New("transport: transaction retries exceeded")

	// ErrTransactionFailure indicates that the hardware reported an
	// unrecoverable status for a transaction. Reposting cannot succeed.
	ErrTransactionFailure = errors.New("transport: unrecoverable transaction failure")
)

var (
	// ErrExceedsGetLimit indicates a get larger than the configured get limit.
	// Callers pipeline transfers above the limit into multiple fragments.
	ErrExceedsGetLimit = errors.New("transport: transfer exceeds get limit")

	// ErrFragmentTooLarge indicates a send payload that does not fit the
	// eager limit or the usable mailbox message size.
	ErrFragmentTooLarge = errors.New("transport: payload exceeds eager limit")

	// ErrUnregisteredBuffer indicates a get or put from unregistered local
	// memory that is too large to stage through an eager buffer.
	ErrUnregisteredBuffer = errors.New("transport: unregistered local buffer exceeds eager staging limit")
)
