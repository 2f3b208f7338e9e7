package nic

// Device is one network interface. The transport engine owns exactly one
// engine instance per Device and is the only caller; implementations may
// assume calls are externally serialized per device.
type Device interface {
	// Addr returns the device's fabric address.
	Addr() uint32

	// InstID returns the instance identifier peers use to reach this
	// device. It is the routing key peers see on inbound events.
	InstID() uint32

	// CreateCQ creates a completion queue holding at most depth events.
	// Events arriving beyond depth are dropped by the hardware and the next
	// delivered event carries the Overrun flag.
	CreateCQ(depth int) (CQ, error)

	// CreateEndpoint creates a hardware endpoint bound to the given peer.
	// Completions for work posted through the endpoint are delivered to cq.
	CreateEndpoint(peer DatagramPeer, cq CQ) (Endpoint, error)

	// CreateWildcardEndpoint creates the unbound endpoint used for the
	// wildcard connection datagram slot.
	CreateWildcardEndpoint() (Endpoint, error)

	// MailboxSizeNeeded reports the backing memory one mailbox with the
	// given geometry requires.
	MailboxSizeNeeded(attr MailboxAttr) (int, error)

	// RegisterMemory registers buf with the device. When notifyCQ is not
	// nil, remote writes into the registration raise events on it; mailbox
	// slabs are registered this way.
	RegisterMemory(buf []byte, notifyCQ CQ) (MemHandle, error)

	// DeregisterMemory releases a registration.
	DeregisterMemory(handle MemHandle) error

	// MaxRegistrations reports the hardware registration budget, used when
	// the operator leaves the registration limit on automatic.
	MaxRegistrations() int

	// ProbeDatagram checks whether any connection datagram on this device
	// has completed. It reports the datagram's ID; the caller claims the
	// result with WaitDatagram on the owning endpoint.
	ProbeDatagram() (DatagramID, bool, error)

	// Close tears the device down. Outstanding datagrams are terminated.
	Close() error
}

// Endpoint is a hardware channel to one peer (or the wildcard listener).
// Per-peer engine endpoints hold two: one for mailbox traffic, one for
// FMA/RDMA transactions, each bound to its own completion queue.
type Endpoint interface {
	// PostDatagram posts an out-of-band connection datagram carrying out.
	// The datagram stays posted until it matches a remote datagram or is
	// cancelled. Posting to an occupied slot is ErrInvalid.
	PostDatagram(id DatagramID, out []byte) error

	// WaitDatagram claims a completed datagram by ID. It returns the
	// exchange's terminal state and, when completed, the peer's identity
	// and out-of-band payload. The wait is bounded by the hardware.
	WaitDatagram(id DatagramID) (PostState, DatagramPeer, []byte, error)

	// CancelDatagram terminates an outstanding datagram.
	CancelDatagram(id DatagramID) error

	// InitMailbox attaches the short-message mailbox pairing to the
	// endpoint. local must carry a registered buffer; remote is the peer's
	// attributes from the datagram exchange.
	InitMailbox(local, remote MailboxAttr) error

	// SendSmsg enqueues one short message into the peer's mailbox. msgID is
	// echoed by the local completion event. ErrBusy means no credits are
	// available until the peer drains its mailbox.
	SendSmsg(tag uint8, data []byte, msgID uint32) error

	// NextSmsg pops one buffered inbound message, returning its tag and
	// payload. ok is false when the mailbox is empty. The payload is only
	// valid until the next NextSmsg call on this endpoint.
	NextSmsg() (tag uint8, data []byte, ok bool, err error)

	// Post issues one FMA/RDMA transaction. inline reports that the
	// transaction already completed successfully and no completion event
	// will be delivered. ErrBusy means the transaction queue is full.
	Post(desc *PostDescriptor) (inline bool, err error)

	// Unbind releases the hardware endpoint.
	Unbind() error
}

// CQ is a completion queue.
type CQ interface {
	// GetEvent pops one event. ok is false when the queue is empty.
	GetEvent() (ev CQEvent, ok bool, err error)

	// Depth returns the queue's capacity.
	Depth() int
}
