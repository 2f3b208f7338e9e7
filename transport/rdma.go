package transport

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-fabric/internal/pool"
	"github.com/arloliu/go-fabric/nic"
)

// issuePost starts a get or put transaction. Unregistered local buffers are
// staged through a pooled eager buffer: puts copy out before the post, gets
// copy back at completion. Returns false with no error when the transaction
// blocks on a hardware slot or an exhausted eager pool.
func (d *Device) issuePost(frag *Fragment) (bool, error) {
	local := frag.Local[:frag.Length]
	localHandle := frag.LocalHandle

	if localHandle.Zero() {
		// A busy requeue keeps the staging buffer, so acquire one only on
		// the first pass.
		if frag.eager == nil {
			eb, err := d.eagerBufs.Get()
			if err != nil {
				if errors.Is(err, pool.ErrExhausted) || errors.Is(err, nic.ErrBusy) {
					return false, nil
				}

				return false, fmt.Errorf("transport: eager buffer: %w", err)
			}
			frag.eager = eb
			if frag.kind == PutFragment {
				copy(eb.data[:frag.Length], frag.Local[:frag.Length])
			}
		}
		local = frag.eager.data[:frag.Length]
		localHandle = frag.eager.handle
	}

	frag.handle = d.nextHandle()
	frag.desc = nic.PostDescriptor{
		Kind:          d.thr.postKind(frag.kind, frag.Length),
		TransactionID: frag.handle,
		Local:         local,
		LocalHandle:   localHandle,
		Remote:        frag.Remote,
		RemoteOffset:  frag.RemoteOffset,
		Length:        frag.Length,
	}

	return d.postDescriptor(frag)
}

// postDescriptor hands the fragment's descriptor to the hardware and tracks
// the transaction. An inline completion produces no queue event, so the
// fragment is parked on the replay list and settles on the next progress
// call.
func (d *Device) postDescriptor(frag *Fragment) (bool, error) {
	d.rdmaInflight.Store(frag.handle, frag)
	inline, err := frag.ep.rdmaEP.Post(&frag.desc)
	if err != nil {
		d.rdmaInflight.Delete(frag.handle)
		if errors.Is(err, nic.ErrBusy) {
			return false, nil
		}

		return false, fmt.Errorf("transport: %s post: %w", frag.kind, err)
	}

	if inline {
		d.rdmaInflight.Delete(frag.handle)
		d.metrics.incInlineCount()
		d.failedList.Push(frag)

		return true, nil
	}

	if frag.desc.Kind.FMA() {
		d.metrics.incFmaPostCount()
	} else {
		d.metrics.incRdmaPostCount()
	}

	return true, nil
}

// progressRdma polls the transaction completion queue once and settles the
// matching in-flight post.
func (d *Device) progressRdma() int {
	ev, ok, err := d.rdmaCQ.GetEvent()
	if err != nil {
		d.log.Error("transaction completion queue poll failed", "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	d.checkOverrun(ev, "rdma")

	frag, ok := d.rdmaInflight.LoadAndDelete(ev.TransactionID)
	if !ok {
		d.log.Error("completion for unknown transaction", "transaction_id", ev.TransactionID)
		panic("transport: unknown transaction completion")
	}

	switch {
	case ev.Status.OK():
		d.finishFragment(frag, nil)
	case ev.Status.Recoverable():
		d.retryPost(frag, ev.Status)
	default:
		d.finishFragment(frag, fmt.Errorf("%w: %s", ErrTransactionFailure, ev.Status))
	}

	return 1
}

// retryPost reissues a transaction whose completion reported a transient
// fault, reusing the original descriptor. Tries are compared against the
// cap before the bump, like retrySmsg.
func (d *Device) retryPost(frag *Fragment, status nic.Status) {
	if frag.tries >= d.thr.RdmaMaxRetries {
		d.log.Error("transaction retries exhausted",
			"peer", frag.ep.peer.ID, "kind", frag.kind, "tries", frag.tries, "status", status)
		d.finishFragment(frag, fmt.Errorf("%w after %d retries: %s", ErrRdmaRetriesExceeded, frag.tries, status))

		return
	}
	frag.markRetrying()
	d.metrics.incRdmaRetryCount()

	issued, err := d.postDescriptor(frag)
	if err != nil {
		d.finishFragment(frag, err)
		return
	}
	if !issued {
		frag.ep.requeueFront(frag)
	}
}
