package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-fabric/internal/queue"
	"github.com/arloliu/go-fabric/nic"
)

// Endpoint is the engine's per-peer context. Endpoints are created lazily by
// Device.Endpoint and connect on first use: the first issued fragment posts a
// directed connection datagram carrying the local mailbox attributes, and the
// progress dispatcher completes the handshake when the peer's attributes
// arrive. Fragments issued before the endpoint is connected queue on the
// endpoint and flush from the wait list.
type Endpoint struct {
	dev  *Device
	peer nic.DatagramPeer

	state atomic.Uint32

	// mu guards the connection bookkeeping below. It is held only across
	// field reads and writes, never across a hardware call. smsgEP and
	// rdmaEP are written during connect setup before the state turns
	// connected and are stable afterwards.
	mu         sync.Mutex
	smsgEP     nic.Endpoint
	rdmaEP     nic.Endpoint
	mboxBuf    []byte
	mboxHandle nic.MemHandle
	localAttr  nic.MailboxAttr
	remoteAttr nic.MailboxAttr
	haveLocal  bool
	haveRemote bool
	mboxInit   bool
	dgramID    nic.DatagramID
	dgramOut   bool

	// pending holds deferred fragments in issue order; redo holds fragments
	// whose hardware slot was revoked after issue and drains first, so a
	// revoked fragment keeps its place at the head of the line.
	pending *queue.FIFO[*Fragment]
	redo    *queue.FIFO[*Fragment]

	waitListed atomic.Bool
}

func newEndpoint(dev *Device, peer nic.DatagramPeer) *Endpoint {
	ep := &Endpoint{
		dev:     dev,
		peer:    peer,
		pending: queue.NewFIFO[*Fragment](),
		redo:    queue.NewFIFO[*Fragment](),
	}
	ep.state.Store(uint32(UnconnectedState))

	return ep
}

// Peer returns the remote identity the endpoint is bound to.
func (ep *Endpoint) Peer() nic.DatagramPeer { return ep.peer }

// Device returns the engine device that owns the endpoint. Receive handlers
// use it to acquire reply fragments.
func (ep *Endpoint) Device() *Device { return ep.dev }

// State returns the endpoint's current connection state.
func (ep *Endpoint) State() EndpointState { return EndpointState(ep.state.Load()) }

// Send issues a short-message fragment. The payload travels through the
// peer's mailbox; it must fit both the eager limit and the usable mailbox
// message size.
//
// A nil return means the engine owns the fragment and its completion will
// fire exactly once; a non-nil return means the fragment was not accepted
// and the caller keeps it.
func (ep *Endpoint) Send(frag *Fragment) error {
	if err := ep.checkFragment(frag); err != nil {
		return err
	}

	size := uint32(len(frag.Data))
	if size > ep.dev.thr.EagerLimit || size > ep.dev.thr.SmsgMaxData {
		return ErrFragmentTooLarge
	}

	frag.kind = SendFragment
	ep.accept(frag)

	return nil
}

// Get issues a transfer pulling Length bytes from the peer's registered
// window into Local. Transfers at most the FMA limit long use the fast
// memory access engine, longer ones the bulk engine; transfers above the
// get limit are rejected so the caller can pipeline them.
//
// A zero LocalHandle stages the transfer through a registered eager buffer,
// which bounds it to the eager limit.
func (ep *Endpoint) Get(frag *Fragment) error {
	if err := ep.checkFragment(frag); err != nil {
		return err
	}
	if err := ep.checkWindow(frag); err != nil {
		return err
	}
	if uint64(frag.Length) > ep.dev.thr.GetLimit {
		return ErrExceedsGetLimit
	}

	frag.kind = GetFragment
	ep.accept(frag)

	return nil
}

// Put issues a transfer pushing Length bytes from Local into the peer's
// registered window. Engine selection follows the FMA limit like Get; puts
// have no counterpart of the get limit.
func (ep *Endpoint) Put(frag *Fragment) error {
	if err := ep.checkFragment(frag); err != nil {
		return err
	}
	if err := ep.checkWindow(frag); err != nil {
		return err
	}

	frag.kind = PutFragment
	ep.accept(frag)

	return nil
}

func (ep *Endpoint) checkFragment(frag *Fragment) error {
	if frag == nil || frag.dev != ep.dev {
		return errors.New("transport: fragment does not belong to this device")
	}
	if frag.State() != FragmentIdle {
		return errors.New("transport: fragment already issued")
	}
	if ep.dev.closed.Load() {
		return ErrTransportClosed
	}
	if ep.State().IsFailed() {
		return ErrEndpointFailed
	}

	return nil
}

func (ep *Endpoint) checkWindow(frag *Fragment) error {
	if frag.Length == 0 || int(frag.Length) > len(frag.Local) {
		return fmt.Errorf("transport: invalid transfer window: length %d, local buffer %d", frag.Length, len(frag.Local))
	}
	if frag.LocalHandle.Zero() && frag.Length > ep.dev.thr.EagerLimit {
		return ErrUnregisteredBuffer
	}

	return nil
}

// accept takes ownership of a validated fragment. From here every outcome,
// including a hard hardware error, reaches the fragment's completion exactly
// once.
func (ep *Endpoint) accept(frag *Fragment) {
	frag.ep = ep
	frag.markIssued()

	if !ep.State().IsConnected() {
		ep.ensureConnecting()
		ep.enqueue(frag)
		return
	}

	issued, err := ep.dev.issueHardware(frag)
	if err != nil {
		ep.dev.finishFragment(frag, err)
		return
	}
	if !issued {
		ep.enqueue(frag)
	}
}

// ensureConnecting starts the connection handshake once. The caller that
// wins the unconnected-to-connecting race performs the hardware setup;
// everyone else returns immediately.
func (ep *Endpoint) ensureConnecting() {
	if !ep.casState(UnconnectedState, ConnectingState) {
		return
	}
	ep.setupLocal()
	ep.tryFinishConnect()
}

// setupLocal allocates the local half of the connection: the registered
// mailbox window, the two bound hardware endpoints, and the directed
// connection datagram advertising the mailbox to the peer. Any failure here
// is terminal for the endpoint.
func (ep *Endpoint) setupLocal() {
	d := ep.dev

	buf := make([]byte, d.thr.MailboxSize)
	handle, err := d.registerMemory(buf, d.remoteCQ)
	if err != nil {
		ep.fail(fmt.Errorf("transport: mailbox registration: %w", err))
		return
	}

	smsgEP, err := d.nic.CreateEndpoint(ep.peer, d.localCQ)
	if err != nil {
		_ = d.deregisterMemory(handle)
		ep.fail(fmt.Errorf("transport: endpoint binding: %w", err))
		return
	}
	rdmaEP, err := d.nic.CreateEndpoint(ep.peer, d.rdmaCQ)
	if err != nil {
		_ = smsgEP.Unbind()
		_ = d.deregisterMemory(handle)
		ep.fail(fmt.Errorf("transport: endpoint binding: %w", err))
		return
	}

	local := nic.MailboxAttr{
		MaxCredit:  d.thr.SmsgCredits,
		MsgMaxSize: d.thr.SmsgLimit,
		Buffer:     buf,
		Handle:     handle,
		Offset:     0,
	}
	id := directedDatagramID(ep.peer.ID)

	ep.mu.Lock()
	ep.smsgEP = smsgEP
	ep.rdmaEP = rdmaEP
	ep.mboxBuf = buf
	ep.mboxHandle = handle
	ep.localAttr = local
	ep.haveLocal = true
	ep.dgramID = id
	ep.mu.Unlock()

	if err := smsgEP.PostDatagram(id, encodeConnAttrs(local)); err != nil {
		ep.fail(fmt.Errorf("%w: post: %w", ErrDatagramFailure, err))
		return
	}

	ep.mu.Lock()
	ep.dgramOut = true
	ep.mu.Unlock()
}

// storeRemote records the peer's mailbox attributes learned from a datagram
// exchange.
func (ep *Endpoint) storeRemote(remote nic.MailboxAttr) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.haveRemote {
		ep.dev.log.Debug("duplicate mailbox attributes ignored", "peer", ep.peer.ID)
		return
	}
	ep.remoteAttr = remote
	ep.haveRemote = true
}

// tryFinishConnect pairs the mailboxes once both sides' attributes are
// known. The pairing is claimed under the lock so the hardware call runs
// exactly once, outside the lock.
func (ep *Endpoint) tryFinishConnect() {
	ep.mu.Lock()
	if !ep.haveLocal || !ep.haveRemote || ep.mboxInit {
		ep.mu.Unlock()
		return
	}
	ep.mboxInit = true
	smsgEP := ep.smsgEP
	local := ep.localAttr
	remote := ep.remoteAttr
	ep.mu.Unlock()

	if err := smsgEP.InitMailbox(local, remote); err != nil {
		ep.fail(fmt.Errorf("transport: mailbox pairing: %w", err))
		return
	}

	if !ep.casState(ConnectingState, ConnectedState) {
		ep.dev.log.Error("connect finished in unexpected state", "peer", ep.peer.ID, "state", ep.State())
		return
	}
	ep.dev.metrics.incConnectCount()

	// Messages the peer buffered before the pairing completed are already
	// sitting in the mailbox; deliver them now.
	ep.drainMailbox()

	if ep.pending.Len() > 0 || ep.redo.Len() > 0 {
		ep.park()
	}
}

// fail moves the endpoint to its terminal failed state and completes all
// deferred fragments with cause.
func (ep *Endpoint) fail(cause error) {
	prev := ep.State()
	ep.state.Store(uint32(FailedState))
	if !prev.IsFailed() {
		ep.dev.log.Error("endpoint failed", "peer", ep.peer.ID, "prev_state", prev, "error", cause)
	}
	ep.drainPending(cause)
}

// enqueue defers a fragment and parks the endpoint. A failure racing the
// push is caught by the recheck so the fragment cannot strand on a failed
// endpoint.
func (ep *Endpoint) enqueue(frag *Fragment) {
	ep.pending.Push(frag)
	ep.park()

	if ep.State().IsFailed() {
		ep.drainPending(ErrEndpointFailed)
	}
}

// requeueFront defers a fragment whose issued hardware slot was revoked.
// It drains ahead of the pending queue.
func (ep *Endpoint) requeueFront(frag *Fragment) {
	ep.redo.Push(frag)
	ep.park()

	if ep.State().IsFailed() {
		ep.drainPending(ErrEndpointFailed)
	}
}

// park appends the endpoint to the device wait list. The waitListed flag
// keeps the endpoint on the list at most once.
func (ep *Endpoint) park() {
	if ep.waitListed.CompareAndSwap(false, true) {
		ep.dev.waitList.Push(ep)
		ep.dev.metrics.incWaitListCount()
	}
}

// flush drains the endpoint's deferred work until the queues are empty or
// the endpoint blocks again, in which case it reparks itself.
func (ep *Endpoint) flush() {
	switch state := ep.State(); {
	case state.IsFailed():
		ep.drainPending(ErrEndpointFailed)
		return
	case state.IsUnconnected():
		ep.ensureConnecting()
		ep.park()
		return
	case state.IsConnecting():
		ep.park()
		return
	}

	for {
		q := ep.redo
		frag, ok := q.Peek()
		if !ok {
			q = ep.pending
			frag, ok = q.Peek()
		}
		if !ok {
			break
		}

		issued, err := ep.dev.issueHardware(frag)
		if err != nil {
			q.Pop()
			ep.dev.finishFragment(frag, err)
			continue
		}
		if !issued {
			ep.park()
			return
		}
		q.Pop()
	}

	// Work pushed after the final emptiness check must not strand.
	if ep.pending.Len() > 0 || ep.redo.Len() > 0 {
		ep.park()
	}
}

// drainPending completes every deferred fragment with cause.
func (ep *Endpoint) drainPending(cause error) {
	for {
		frag, ok := ep.redo.Pop()
		if !ok {
			break
		}
		ep.dev.finishFragment(frag, cause)
	}
	for {
		frag, ok := ep.pending.Pop()
		if !ok {
			break
		}
		ep.dev.finishFragment(frag, cause)
	}
}

// close releases the endpoint's hardware resources and completes deferred
// fragments with ErrTransportClosed.
func (ep *Endpoint) close() {
	ep.mu.Lock()
	smsgEP, rdmaEP := ep.smsgEP, ep.rdmaEP
	dgramOut, dgramID := ep.dgramOut, ep.dgramID
	handle, registered := ep.mboxHandle, ep.haveLocal
	ep.dgramOut = false
	ep.mu.Unlock()

	if dgramOut && smsgEP != nil {
		_ = smsgEP.CancelDatagram(dgramID)
	}
	if smsgEP != nil {
		_ = smsgEP.Unbind()
	}
	if rdmaEP != nil {
		_ = rdmaEP.Unbind()
	}
	if registered {
		_ = ep.dev.deregisterMemory(handle)
	}

	prev := ep.State()
	ep.state.Store(uint32(FailedState))
	if !prev.IsFailed() {
		ep.dev.log.Debug("endpoint closed", "peer", ep.peer.ID, "prev_state", prev)
	}
	ep.drainPending(ErrTransportClosed)
}

// casState performs a validated state transition, logging the change.
func (ep *Endpoint) casState(from, to EndpointState) bool {
	if !ep.state.CompareAndSwap(uint32(from), uint32(to)) {
		return false
	}
	ep.dev.log.Debug("endpoint state changed", "peer", ep.peer.ID, "from", from, "to", to)

	return true
}
