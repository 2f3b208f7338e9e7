package nicsim

import (
	"fmt"

	"github.com/arloliu/go-fabric/nic"
)

const defaultMaxRegistrations = 4096

// mailboxSizeOverhead is the simulator's per-mailbox bookkeeping charge,
// deliberately odd so callers must align the reported size themselves.
const mailboxSizeOverhead = 12

type registration struct {
	buf    []byte
	notify *CQ
}

// Device is a simulated NIC.
type Device struct {
	fabric *Fabric
	addr   uint32
	closed bool

	cqs       []*CQ
	regs      map[nic.MemHandle]*registration
	nextReg   uint64
	maxRegs   int
	endpoints []*Endpoint
	wildcard  *Endpoint
	probeQ    []nic.DatagramID

	// scripted faults, consumed oldest first
	postStatuses []nic.Status
	sendStatuses []nic.Status
	inlinePosts  int
	postCallErrs []error
	waitErrs     []error
}

var _ nic.Device = (*Device)(nil)

// Addr returns the fabric address assigned by NewDevice.
func (d *Device) Addr() uint32 { return d.addr }

// InstID returns the instance identifier, which equals the fabric address.
func (d *Device) InstID() uint32 { return d.addr }

func (d *Device) CreateCQ(depth int) (nic.CQ, error) {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	if d.closed {
		return nil, nic.ErrClosed
	}
	if depth <= 0 {
		return nil, fmt.Errorf("%w: cq depth %d", nic.ErrInvalid, depth)
	}

	cq := &CQ{fabric: d.fabric, depth: depth}
	d.cqs = append(d.cqs, cq)

	return cq, nil
}

func (d *Device) CreateEndpoint(peer nic.DatagramPeer, cq nic.CQ) (nic.Endpoint, error) {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	if d.closed {
		return nil, nic.ErrClosed
	}
	bound, ok := cq.(*CQ)
	if !ok || bound == nil {
		return nil, fmt.Errorf("%w: endpoint requires a bound cq", nic.ErrInvalid)
	}

	ep := &Endpoint{
		dev:    d,
		peer:   peer,
		cq:     bound,
		dgrams: make(map[nic.DatagramID]*datagramSlot),
	}
	d.endpoints = append(d.endpoints, ep)

	return ep, nil
}

func (d *Device) CreateWildcardEndpoint() (nic.Endpoint, error) {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	if d.closed {
		return nil, nic.ErrClosed
	}
	if d.wildcard != nil {
		return nil, fmt.Errorf("%w: wildcard endpoint already exists", nic.ErrInvalid)
	}

	ep := &Endpoint{
		dev:      d,
		wildcard: true,
		dgrams:   make(map[nic.DatagramID]*datagramSlot),
	}
	d.wildcard = ep
	d.endpoints = append(d.endpoints, ep)

	return ep, nil
}

func (d *Device) MailboxSizeNeeded(attr nic.MailboxAttr) (int, error) {
	if attr.MaxCredit == 0 || attr.MsgMaxSize == 0 {
		return 0, fmt.Errorf("%w: mailbox geometry %d credits, %d max size",
			nic.ErrInvalid, attr.MaxCredit, attr.MsgMaxSize)
	}

	return int(attr.MaxCredit)*int(attr.MsgMaxSize) + mailboxSizeOverhead, nil
}

func (d *Device) RegisterMemory(buf []byte, notifyCQ nic.CQ) (nic.MemHandle, error) {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	if d.closed {
		return nic.MemHandle{}, nic.ErrClosed
	}
	if len(buf) == 0 {
		return nic.MemHandle{}, fmt.Errorf("%w: empty registration", nic.ErrInvalid)
	}
	if len(d.regs) >= d.maxRegs {
		return nic.MemHandle{}, fmt.Errorf("%w: registration budget (%d) exhausted", nic.ErrBusy, d.maxRegs)
	}

	var notify *CQ
	if notifyCQ != nil {
		cq, ok := notifyCQ.(*CQ)
		if !ok {
			return nic.MemHandle{}, fmt.Errorf("%w: foreign cq", nic.ErrInvalid)
		}
		notify = cq
	}

	d.nextReg++
	handle := nic.MemHandle{Qword1: uint64(d.addr)<<32 | d.nextReg, Qword2: uint64(len(buf))}
	d.regs[handle] = &registration{buf: buf, notify: notify}

	return handle, nil
}

func (d *Device) DeregisterMemory(handle nic.MemHandle) error {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	if _, ok := d.regs[handle]; !ok {
		return fmt.Errorf("%w: unknown registration", nic.ErrInvalid)
	}
	delete(d.regs, handle)

	return nil
}

// MaxRegistrations reports the simulated registration budget.
func (d *Device) MaxRegistrations() int { return d.maxRegs }

// SetMaxRegistrations overrides the registration budget for tests.
func (d *Device) SetMaxRegistrations(n int) {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	d.maxRegs = n
}

// Registrations reports how many registrations are currently held.
func (d *Device) Registrations() int {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	return len(d.regs)
}

func (d *Device) ProbeDatagram() (nic.DatagramID, bool, error) {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	if d.closed {
		return 0, false, nic.ErrClosed
	}
	if len(d.probeQ) == 0 {
		return 0, false, nil
	}

	id := d.probeQ[0]
	d.probeQ = d.probeQ[1:]

	return id, true, nil
}

func (d *Device) Close() error {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	for _, ep := range d.endpoints {
		for _, slot := range ep.dgrams {
			if slot.state == nic.PostPending {
				slot.state = nic.PostTerminated
				d.fabric.dropPending(slot)
			}
		}
		ep.dgrams = make(map[nic.DatagramID]*datagramSlot)
	}
	d.probeQ = nil

	return nil
}

// WildcardPosted reports whether the device currently has an outstanding
// (pending) wildcard datagram slot. Tests use it to verify the listening
// slot is always restored.
func (d *Device) WildcardPosted() bool {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	if d.wildcard == nil {
		return false
	}
	for _, slot := range d.wildcard.dgrams {
		if slot.state == nic.PostPending {
			return true
		}
	}

	return false
}

// FailNextPosts scripts the completion status of the next n FMA/RDMA
// transactions posted through any endpoint of this device.
func (d *Device) FailNextPosts(n int, status nic.Status) {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	for i := 0; i < n; i++ {
		d.postStatuses = append(d.postStatuses, status)
	}
}

// FailNextSends scripts the local completion status of the next n short
// messages sent through any endpoint of this device. A failed send is not
// delivered and consumes no credit.
func (d *Device) FailNextSends(n int, status nic.Status) {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	for i := 0; i < n; i++ {
		d.sendStatuses = append(d.sendStatuses, status)
	}
}

// InlineNextPosts makes the next n FMA/RDMA transactions complete inside the
// Post call, with no completion event.
func (d *Device) InlineNextPosts(n int) {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	d.inlinePosts += n
}

// FailNextPostCalls makes the next n Post calls fail immediately with err,
// posting nothing.
func (d *Device) FailNextPostCalls(n int, err error) {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	for i := 0; i < n; i++ {
		d.postCallErrs = append(d.postCallErrs, err)
	}
}

// FailNextWaits makes the next n WaitDatagram calls on any endpoint of this
// device fail with err. The waited slot is consumed.
func (d *Device) FailNextWaits(n int, err error) {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()

	for i := 0; i < n; i++ {
		d.waitErrs = append(d.waitErrs, err)
	}
}

// CQ is a simulated completion queue.
type CQ struct {
	fabric  *Fabric
	depth   int
	events  []nic.CQEvent
	lost    bool
	overrun int // scripted Overrun flags
}

var _ nic.CQ = (*CQ)(nil)

func (c *CQ) GetEvent() (nic.CQEvent, bool, error) {
	c.fabric.mu.Lock()
	defer c.fabric.mu.Unlock()

	if len(c.events) == 0 {
		return nic.CQEvent{}, false, nil
	}

	ev := c.events[0]
	c.events = c.events[1:]

	if c.lost {
		ev.Overrun = true
		c.lost = false
	}
	if c.overrun > 0 {
		ev.Overrun = true
		c.overrun--
	}

	return ev, true, nil
}

func (c *CQ) Depth() int { return c.depth }

// Pending reports how many events are queued.
func (c *CQ) Pending() int {
	c.fabric.mu.Lock()
	defer c.fabric.mu.Unlock()

	return len(c.events)
}

// OverrunNext marks the next delivered event with the Overrun flag.
func (c *CQ) OverrunNext() {
	c.fabric.mu.Lock()
	defer c.fabric.mu.Unlock()

	c.overrun++
}

// push queues an event, dropping it when the queue is full. Called with the
// fabric lock held.
func (c *CQ) push(ev nic.CQEvent) {
	if len(c.events) >= c.depth {
		c.lost = true
		return
	}
	c.events = append(c.events, ev)
}
