package nicsim

import (
	"fmt"

	"github.com/arloliu/go-fabric/internal/util"
	"github.com/arloliu/go-fabric/nic"
)

type datagramSlot struct {
	owner    *Endpoint
	id       nic.DatagramID
	state    nic.PostState
	out      []byte
	in       []byte
	peerInfo nic.DatagramPeer
}

type smsgMessage struct {
	tag    uint8
	data   []byte
	sender *Endpoint
}

type mailbox struct {
	attr   nic.MailboxAttr
	notify *CQ
	msgs   []smsgMessage
}

// Endpoint is a simulated hardware endpoint, either bound to one peer or the
// device's wildcard listener.
type Endpoint struct {
	dev      *Device
	peer     nic.DatagramPeer
	cq       *CQ
	wildcard bool
	unbound  bool

	dgrams map[nic.DatagramID]*datagramSlot

	mbox       *mailbox
	remoteAttr nic.MailboxAttr
	credits    int
}

var _ nic.Endpoint = (*Endpoint)(nil)

func (e *Endpoint) PostDatagram(id nic.DatagramID, out []byte) error {
	e.dev.fabric.mu.Lock()
	defer e.dev.fabric.mu.Unlock()

	if e.unbound || e.dev.closed {
		return nic.ErrClosed
	}
	if _, exists := e.dgrams[id]; exists {
		return fmt.Errorf("%w: datagram slot %#x occupied", nic.ErrInvalid, uint64(id))
	}

	slot := &datagramSlot{
		owner: e,
		id:    id,
		state: nic.PostPending,
		out:   util.CloneSlice(out, 0),
	}
	e.dgrams[id] = slot

	if e.wildcard {
		e.dev.fabric.matchListener(slot)
	} else {
		e.dev.fabric.matchDirected(slot, e.peer.Addr)
	}

	return nil
}

func (e *Endpoint) WaitDatagram(id nic.DatagramID) (nic.PostState, nic.DatagramPeer, []byte, error) {
	e.dev.fabric.mu.Lock()
	defer e.dev.fabric.mu.Unlock()

	slot := e.dgrams[id]

	if len(e.dev.waitErrs) > 0 {
		err := e.dev.waitErrs[0]
		e.dev.waitErrs = e.dev.waitErrs[1:]
		if slot != nil {
			delete(e.dgrams, id)
		}
		return nic.PostTimeout, nic.DatagramPeer{}, nil, err
	}

	if slot == nil {
		return nic.PostPending, nic.DatagramPeer{}, nil, fmt.Errorf("%w: no datagram %#x", nic.ErrInvalid, uint64(id))
	}
	if slot.state == nic.PostPending {
		return nic.PostPending, nic.DatagramPeer{}, nil, nil
	}

	delete(e.dgrams, id)

	return slot.state, slot.peerInfo, slot.in, nil
}

func (e *Endpoint) CancelDatagram(id nic.DatagramID) error {
	e.dev.fabric.mu.Lock()
	defer e.dev.fabric.mu.Unlock()

	slot := e.dgrams[id]
	if slot == nil {
		return nil
	}
	delete(e.dgrams, id)
	if slot.state == nic.PostPending {
		slot.state = nic.PostTerminated
		e.dev.fabric.dropPending(slot)
	}

	return nil
}

func (e *Endpoint) InitMailbox(local, remote nic.MailboxAttr) error {
	e.dev.fabric.mu.Lock()
	defer e.dev.fabric.mu.Unlock()

	if e.unbound || e.dev.closed {
		return nic.ErrClosed
	}
	if e.wildcard {
		return fmt.Errorf("%w: wildcard endpoint has no mailbox", nic.ErrInvalid)
	}
	if e.mbox != nil {
		return fmt.Errorf("%w: mailbox already attached", nic.ErrInvalid)
	}

	reg := e.dev.regs[local.Handle]
	if reg == nil {
		return fmt.Errorf("%w: local mailbox registration unknown", nic.ErrInvalid)
	}
	if remote.MaxCredit == 0 {
		return fmt.Errorf("%w: remote mailbox grants no credits", nic.ErrInvalid)
	}

	e.mbox = &mailbox{attr: local, notify: reg.notify}
	e.remoteAttr = remote
	e.credits = int(remote.MaxCredit)

	return nil
}

func (e *Endpoint) SendSmsg(tag uint8, data []byte, msgID uint32) error {
	e.dev.fabric.mu.Lock()
	defer e.dev.fabric.mu.Unlock()

	if e.unbound || e.dev.closed {
		return nic.ErrClosed
	}
	if e.wildcard || e.mbox == nil {
		return fmt.Errorf("%w: mailbox not attached", nic.ErrInvalid)
	}
	if e.cq == nil {
		return fmt.Errorf("%w: no bound cq", nic.ErrInvalid)
	}

	// Scripted local failure: accepted, never delivered, no credit consumed.
	if len(e.dev.sendStatuses) > 0 {
		status := e.dev.sendStatuses[0]
		e.dev.sendStatuses = e.dev.sendStatuses[1:]
		if !status.OK() {
			e.cq.push(nic.CQEvent{MsgID: msgID, Status: status})
			return nil
		}
	}

	if e.credits == 0 {
		return fmt.Errorf("%w: no mailbox credits", nic.ErrBusy)
	}

	// The peer attaches its mailbox with its own pairing call; until then
	// the send cannot land and reports busy, like an unreachable window.
	target := e.targetMailbox()
	if target == nil {
		return fmt.Errorf("%w: peer mailbox not ready", nic.ErrBusy)
	}

	e.credits--
	target.mbox.msgs = append(target.mbox.msgs, smsgMessage{
		tag:    tag,
		data:   util.CloneSlice(data, 0),
		sender: e,
	})

	if target.mbox.notify != nil {
		target.mbox.notify.push(nic.CQEvent{InstID: e.dev.addr, Status: nic.StatusOK})
	}
	e.cq.push(nic.CQEvent{MsgID: msgID, Status: nic.StatusOK})

	return nil
}

func (e *Endpoint) NextSmsg() (uint8, []byte, bool, error) {
	e.dev.fabric.mu.Lock()
	defer e.dev.fabric.mu.Unlock()

	if e.mbox == nil {
		return 0, nil, false, fmt.Errorf("%w: mailbox not attached", nic.ErrInvalid)
	}
	if len(e.mbox.msgs) == 0 {
		return 0, nil, false, nil
	}

	msg := e.mbox.msgs[0]
	e.mbox.msgs = e.mbox.msgs[1:]
	msg.sender.credits++

	return msg.tag, msg.data, true, nil
}

func (e *Endpoint) Post(desc *nic.PostDescriptor) (bool, error) {
	e.dev.fabric.mu.Lock()
	defer e.dev.fabric.mu.Unlock()

	if e.unbound || e.dev.closed {
		return false, nic.ErrClosed
	}
	if e.wildcard || e.cq == nil {
		return false, fmt.Errorf("%w: transactions need a bound endpoint", nic.ErrInvalid)
	}
	if desc == nil || desc.Length == 0 || len(desc.Local) < int(desc.Length) {
		return false, fmt.Errorf("%w: bad transaction descriptor", nic.ErrInvalid)
	}

	if len(e.dev.postCallErrs) > 0 {
		err := e.dev.postCallErrs[0]
		e.dev.postCallErrs = e.dev.postCallErrs[1:]
		return false, err
	}

	// The remote window is validated at transaction time, like real
	// hardware: a bad handle fails the completion, not the call.
	peerDev := e.dev.fabric.devices[e.peer.Addr]
	var window []byte
	if peerDev != nil {
		if reg := peerDev.regs[desc.Remote]; reg != nil {
			end := desc.RemoteOffset + uint64(desc.Length)
			if end <= uint64(len(reg.buf)) {
				window = reg.buf[desc.RemoteOffset:end]
			}
		}
	}
	if window == nil {
		e.cq.push(nic.CQEvent{TransactionID: desc.TransactionID, Status: nic.StatusFatalError})
		return false, nil
	}

	if len(e.dev.postStatuses) > 0 {
		status := e.dev.postStatuses[0]
		e.dev.postStatuses = e.dev.postStatuses[1:]
		if !status.OK() {
			e.cq.push(nic.CQEvent{TransactionID: desc.TransactionID, Status: status})
			return false, nil
		}
	}

	if desc.Kind.Get() {
		copy(desc.Local[:desc.Length], window)
	} else {
		copy(window, desc.Local[:desc.Length])
	}

	if e.dev.inlinePosts > 0 {
		e.dev.inlinePosts--
		return true, nil
	}

	e.cq.push(nic.CQEvent{TransactionID: desc.TransactionID, Status: nic.StatusOK})

	return false, nil
}

func (e *Endpoint) Unbind() error {
	e.dev.fabric.mu.Lock()
	defer e.dev.fabric.mu.Unlock()

	if e.unbound {
		return nil
	}
	e.unbound = true

	for id, slot := range e.dgrams {
		if slot.state == nic.PostPending {
			slot.state = nic.PostTerminated
			e.dev.fabric.dropPending(slot)
		}
		delete(e.dgrams, id)
	}

	return nil
}

// targetMailbox locates the peer's endpoint for this device with an attached
// mailbox. Called with the fabric lock held.
func (e *Endpoint) targetMailbox() *Endpoint {
	peerDev := e.dev.fabric.devices[e.peer.Addr]
	if peerDev == nil {
		return nil
	}
	for _, cand := range peerDev.endpoints {
		if !cand.wildcard && cand.peer.Addr == e.dev.addr && cand.mbox != nil {
			return cand
		}
	}

	return nil
}
