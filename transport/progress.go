package transport

import "github.com/arloliu/go-fabric/nic"

// progress runs one pass of the device's engine: replay deferred
// completions, flush wait-listed endpoints, then poll the datagram engine
// and each completion queue once. Passes never block, and a caller that
// finds a pass already in flight returns immediately.
//
// The returned count covers completion events handled by the polling steps;
// replays and flushes are not counted.
func (d *Device) progress() int {
	if d.closed.Load() {
		return 0
	}
	if !d.progressMu.TryLock() {
		return 0
	}
	defer d.progressMu.Unlock()

	d.drainFailed()
	d.drainWaitList()

	count := d.progressDatagram()
	count += d.progressLocalSmsg()
	count += d.progressRemoteSmsg()
	count += d.progressRdma()

	return count
}

// drainFailed replays completions deferred from earlier passes. The length
// is snapshotted first so fragments deferred during the drain wait for the
// next pass.
func (d *Device) drainFailed() {
	for n := d.failedList.Len(); n > 0; n-- {
		frag, ok := d.failedList.Pop()
		if !ok {
			return
		}
		d.metrics.incReplayCount()
		d.finishFragment(frag, nil)
	}
}

// drainWaitList flushes endpoints parked on deferred work. The length is
// snapshotted first: an endpoint that blocks again reparks itself at the
// tail and waits for the next pass.
func (d *Device) drainWaitList() {
	for n := d.waitList.Len(); n > 0; n-- {
		ep, ok := d.waitList.Pop()
		if !ok {
			return
		}
		ep.waitListed.Store(false)
		ep.flush()
	}
}

// checkOverrun halts on a completion queue overrun: events were dropped, so
// in-flight transactions can never settle.
func (d *Device) checkOverrun(ev nic.CQEvent, queue string) {
	if !ev.Overrun {
		return
	}
	d.log.Error("completion queue overrun", "queue", queue, "inst_id", d.nic.InstID())
	panic("transport: completion queue overrun")
}
