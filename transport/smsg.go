package transport

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-fabric/nic"
)

// issueSmsg pushes a short-message fragment into the peer's mailbox. It
// returns false with no error when the send blocks on credits; the fragment
// then waits on the endpoint. The in-flight entry is stored before the send
// so the completion can never race past it.
func (d *Device) issueSmsg(frag *Fragment) (bool, error) {
	frag.msgID = d.nextMsgID()

	d.smsgInflight.Store(frag.msgID, frag)
	if err := frag.ep.smsgEP.SendSmsg(frag.Tag, frag.Data, frag.msgID); err != nil {
		d.smsgInflight.Delete(frag.msgID)
		if errors.Is(err, nic.ErrBusy) {
			return false, nil
		}

		return false, fmt.Errorf("transport: short-message send: %w", err)
	}
	d.metrics.incSmsgSendCount()

	return true, nil
}

// progressLocalSmsg polls the local completion queue once and settles the
// matching in-flight send.
func (d *Device) progressLocalSmsg() int {
	ev, ok, err := d.localCQ.GetEvent()
	if err != nil {
		d.log.Error("local completion queue poll failed", "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	d.checkOverrun(ev, "local")

	frag, ok := d.smsgInflight.LoadAndDelete(ev.MsgID)
	if !ok {
		d.log.Error("completion for unknown message", "msg_id", ev.MsgID)
		panic("transport: unknown message completion")
	}

	switch {
	case ev.Status.OK():
		d.finishFragment(frag, nil)
	case ev.Status.Recoverable():
		d.retrySmsg(frag, ev.Status)
	default:
		d.finishFragment(frag, fmt.Errorf("%w: %s", ErrTransactionFailure, ev.Status))
	}

	return 1
}

// retrySmsg reissues a send whose completion reported a transient fault.
// Tries are compared against the cap before the bump, so a cap of n allows
// n reissues of the original attempt.
func (d *Device) retrySmsg(frag *Fragment, status nic.Status) {
	if frag.tries >= d.thr.SmsgMaxRetries {
		d.log.Error("short-message retries exhausted",
			"peer", frag.ep.peer.ID, "tries", frag.tries, "status", status)
		d.finishFragment(frag, fmt.Errorf("%w after %d retries: %s", ErrSendRetriesExceeded, frag.tries, status))

		return
	}
	frag.markRetrying()
	d.metrics.incSmsgRetryCount()

	d.smsgInflight.Store(frag.msgID, frag)
	if err := frag.ep.smsgEP.SendSmsg(frag.Tag, frag.Data, frag.msgID); err != nil {
		d.smsgInflight.Delete(frag.msgID)
		if errors.Is(err, nic.ErrBusy) {
			frag.ep.requeueFront(frag)
			return
		}
		d.finishFragment(frag, fmt.Errorf("transport: short-message send: %w", err))

		return
	}
	d.metrics.incSmsgSendCount()
}

// progressRemoteSmsg polls the remote notification queue once and delivers
// whatever the flagged endpoint's mailbox holds.
func (d *Device) progressRemoteSmsg() int {
	ev, ok, err := d.remoteCQ.GetEvent()
	if err != nil {
		d.log.Error("remote completion queue poll failed", "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	d.checkOverrun(ev, "remote")

	ep, ok := d.endpoints.Load(ev.InstID)
	if !ok {
		d.log.Debug("notification from unknown peer", "inst_id", ev.InstID)
		return 1
	}
	if !ep.State().IsConnected() {
		// The mailbox is drained when the connection completes.
		d.log.Debug("notification before connection completed", "peer", ev.InstID)
		return 1
	}
	ep.drainMailbox()

	return 1
}

// drainMailbox delivers every message currently readable from the local
// mailbox. Draining past the notifying message is deliberate: notifications
// can outrun the reads that follow them, and the connect path must deliver
// messages that arrived before the pairing finished.
func (ep *Endpoint) drainMailbox() {
	for {
		tag, data, ok, err := ep.smsgEP.NextSmsg()
		if err != nil {
			ep.dev.log.Error("mailbox read failed", "peer", ep.peer.ID, "error", err)
			return
		}
		if !ok {
			return
		}

		ep.dev.metrics.incSmsgRecvCount()
		if handler := ep.dev.recvHandler; handler != nil {
			handler(ep, tag, data)
		}
	}
}
