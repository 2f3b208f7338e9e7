package nic

// DatagramID identifies an out-of-band connection datagram slot on one
// device. The transport engine partitions the ID space: zero for the
// wildcard slot, top bit set with a peer identifier in the low bits for
// directed slots.
type DatagramID uint64

// DatagramPeer identifies the remote party of a matched datagram exchange.
type DatagramPeer struct {
	// Addr is the remote device's fabric address.
	Addr uint32
	// ID is the remote instance identifier. Inbound short-message events
	// carry the same value, so it doubles as the endpoint routing key.
	ID uint32
}

// MemHandle is an opaque memory registration cookie issued by
// Device.RegisterMemory.
type MemHandle struct {
	Qword1 uint64
	Qword2 uint64
}

// Zero reports whether the handle is the zero registration.
func (h MemHandle) Zero() bool {
	return h.Qword1 == 0 && h.Qword2 == 0
}

// MailboxAttr describes one side of a short-message mailbox pairing.
//
// Buffer is only meaningful on the local side; the remote side of an
// exchange is identified by its registration handle and offset, which is
// what travels in the connection datagram payload.
type MailboxAttr struct {
	// MaxCredit is the number of in-flight messages the mailbox accepts
	// before the sender sees ErrBusy.
	MaxCredit uint32
	// MsgMaxSize is the largest message, header included, the mailbox is
	// sized for.
	MsgMaxSize uint32
	// Buffer is the local backing window for the mailbox.
	Buffer []byte
	// Handle is the registration covering Buffer.
	Handle MemHandle
	// Offset is the mailbox's position inside the registration.
	Offset uint32
}

// CQEvent is one completion queue entry.
type CQEvent struct {
	// TransactionID echoes PostDescriptor.TransactionID for FMA/RDMA
	// completions.
	TransactionID uint64
	// MsgID echoes the identifier passed to SendSmsg for outbound
	// short-message completions.
	MsgID uint32
	// InstID is the sending instance for inbound short-message
	// notifications.
	InstID uint32
	// Status is the hardware verdict for the completed work.
	Status Status
	// Overrun is set when the queue lost events because it was full. The
	// event carrying the flag is otherwise valid.
	Overrun bool
}

// PostKind selects the transaction engine and direction for a one-sided
// post.
type PostKind int

const (
	// PostFMAGet pulls remote memory through the fast memory access engine.
	PostFMAGet PostKind = iota
	// PostFMAPut pushes local memory through the fast memory access engine.
	PostFMAPut
	// PostRdmaGet pulls remote memory through the bulk transfer engine.
	PostRdmaGet
	// PostRdmaPut pushes local memory through the bulk transfer engine.
	PostRdmaPut
)

// Get reports whether the kind pulls remote memory into the local buffer.
func (k PostKind) Get() bool {
	return k == PostFMAGet || k == PostRdmaGet
}

// FMA reports whether the kind uses the fast memory access engine.
func (k PostKind) FMA() bool {
	return k == PostFMAGet || k == PostFMAPut
}

func (k PostKind) String() string {
	switch k {
	case PostFMAGet:
		return "fma get"
	case PostFMAPut:
		return "fma put"
	case PostRdmaGet:
		return "rdma get"
	case PostRdmaPut:
		return "rdma put"
	default:
		return "unknown post kind"
	}
}

// PostDescriptor describes one FMA/RDMA transaction. The descriptor is
// reusable: reposting the identical descriptor retries the identical
// transaction.
type PostDescriptor struct {
	Kind PostKind
	// TransactionID is echoed in the completion event. The transport engine
	// stores the in-flight handle here.
	TransactionID uint64
	// Local is the local registered window the transaction reads or writes.
	Local []byte
	// LocalHandle is the registration covering Local.
	LocalHandle MemHandle
	// Remote is the peer-side registration cookie.
	Remote MemHandle
	// RemoteOffset is the byte offset inside the remote registration.
	RemoteOffset uint64
	// Length is the number of bytes to transfer.
	Length uint32
}
