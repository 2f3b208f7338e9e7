package transport

import (
	"sync/atomic"

	"github.com/arloliu/go-fabric/logger"
	"github.com/arloliu/go-fabric/nic"
)

// FragmentKind selects the transfer protocol family of a fragment.
type FragmentKind int

const (
	// SendFragment carries an opaque payload to the peer through the
	// short-message mailbox.
	SendFragment FragmentKind = iota
	// GetFragment pulls a remote registered window into local memory.
	GetFragment
	// PutFragment pushes local memory into a remote registered window.
	PutFragment
)

func (k FragmentKind) String() string {
	switch k {
	case SendFragment:
		return "send"
	case GetFragment:
		return "get"
	case PutFragment:
		return "put"
	default:
		return "unknown fragment kind"
	}
}

// FragmentState tracks a fragment from issue to completion. Retry is modeled
// as an explicit state so tests can observe it; the terminal states are
// completed and failed, reached exactly once.
type FragmentState uint32

const (
	// FragmentIdle indicates the fragment is owned by its pool or by the
	// caller and has not been accepted by an issue call.
	FragmentIdle FragmentState = iota
	// FragmentIssued indicates the engine owns the fragment: it is in flight,
	// queued on its endpoint, or awaiting completion replay.
	FragmentIssued
	// FragmentRetrying indicates at least one recoverable hardware failure
	// was absorbed and the identical work was reissued.
	FragmentRetrying
	// FragmentCompleted indicates the fragment finished successfully.
	FragmentCompleted
	// FragmentFailed indicates the fragment finished with an error.
	FragmentFailed
)

// Terminal returns if the state is completed or failed.
func (s FragmentState) Terminal() bool {
	return s == FragmentCompleted || s == FragmentFailed
}

func (s FragmentState) String() string {
	switch s {
	case FragmentIdle:
		return "idle"
	case FragmentIssued:
		return "issued"
	case FragmentRetrying:
		return "retrying"
	case FragmentCompleted:
		return "completed"
	case FragmentFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Fragment is one unit of outbound work. Fragments are acquired from a
// device's free list with AcquireFragment, populated, and handed to an
// endpoint's Send, Get or Put. Once an issue call accepts a fragment the
// engine owns it until its completion fires, after which it returns to the
// pool; callers that need the payload or the future longer must copy the
// payload and capture Done before issuing.
type Fragment struct {
	// Tag is delivered to the receiver ahead of the payload of a send.
	Tag uint8
	// Data is the payload of a send. It must fit the device's eager limit.
	Data []byte

	// Local is the local window a get fills or a put reads.
	Local []byte
	// LocalHandle is the registration covering Local. A zero handle stages
	// the transfer through a registered eager buffer instead.
	LocalHandle nic.MemHandle
	// Remote is the peer-side registration cookie.
	Remote nic.MemHandle
	// RemoteOffset is the byte offset inside the remote registration.
	RemoteOffset uint64
	// Length is the number of bytes a get or put moves.
	Length uint32

	// Callback, when set, fires exactly once with the fragment's terminal
	// status. The fragment is recycled when the callback returns.
	Callback func(f *Fragment, err error)

	dev    *Device
	ep     *Endpoint
	kind   FragmentKind
	state  atomic.Uint32
	tries  uint32
	desc   nic.PostDescriptor
	handle uint64
	msgID  uint32
	eager  *eagerBuf
	err    error
	done   chan error
}

// Kind returns the protocol family the fragment was issued with.
func (f *Fragment) Kind() FragmentKind { return f.kind }

// State returns the fragment's current lifecycle state.
func (f *Fragment) State() FragmentState { return FragmentState(f.state.Load()) }

// Tries returns how many recoverable failures the fragment has absorbed.
func (f *Fragment) Tries() uint32 { return f.tries }

// Endpoint returns the endpoint the fragment was issued to, nil before issue.
func (f *Fragment) Endpoint() *Endpoint { return f.ep }

// Err returns the terminal error. It is meaningful once the callback has
// fired or Done has delivered.
func (f *Fragment) Err() error { return f.err }

// Done returns a future resolved exactly once with the fragment's terminal
// status. Capture the channel before issuing the fragment; after completion
// the fragment is recycled and Done returns the next owner's future.
func (f *Fragment) Done() <-chan error { return f.done }

// Release returns a fragment that was never accepted by an issue call to its
// pool. Accepted fragments are recycled by the engine; releasing one twice
// corrupts the free list.
func (f *Fragment) Release() {
	if f.dev != nil {
		f.dev.frags.Put(f)
	}
}

func (f *Fragment) reset(d *Device) {
	*f = Fragment{dev: d, done: make(chan error, 1)}
}

func (f *Fragment) markIssued() {
	f.tries = 0
	f.state.Store(uint32(FragmentIssued))
}

func (f *Fragment) markRetrying() {
	f.tries++
	f.state.Store(uint32(FragmentRetrying))
}

// complete moves the fragment to its terminal state and fires the callback
// and future. It returns false without side effects when the fragment is
// already terminal, so a duplicated completion event cannot fire the
// callback twice.
func (f *Fragment) complete(l logger.Logger, err error) bool {
	newState := FragmentCompleted
	if err != nil {
		newState = FragmentFailed
	}

	for {
		cur := FragmentState(f.state.Load())
		if cur.Terminal() {
			l.Error("fragment completed twice", "kind", f.kind, "state", cur, "error", err)
			return false
		}
		if f.state.CompareAndSwap(uint32(cur), uint32(newState)) {
			break
		}
	}

	f.err = err
	if f.Callback != nil {
		f.Callback(f, err)
	}
	f.done <- err

	return true
}
