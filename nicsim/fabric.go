package nicsim

import (
	"sync"

	"github.com/arloliu/go-fabric/internal/util"
	"github.com/arloliu/go-fabric/nic"
)

// Fabric is an in-memory interconnect for simulated devices. All simulator
// state is guarded by the fabric lock, so any mix of goroutines may drive
// the devices.
type Fabric struct {
	mu       sync.Mutex
	devices  map[uint32]*Device
	nextAddr uint32
	// buffered directed datagrams keyed by target address, oldest first
	pending map[uint32][]*datagramSlot
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		devices: make(map[uint32]*Device),
		pending: make(map[uint32][]*datagramSlot),
	}
}

// NewDevice adds a simulated NIC to the fabric and assigns it the next
// fabric address. The instance identifier equals the address.
func (f *Fabric) NewDevice() *Device {
	f.mu.Lock()
	defer f.mu.Unlock()

	addr := f.nextAddr
	f.nextAddr++

	dev := &Device{
		fabric:  f,
		addr:    addr,
		regs:    make(map[nic.MemHandle]*registration),
		maxRegs: defaultMaxRegistrations,
	}
	f.devices[addr] = dev

	return dev
}

// PendingDatagrams reports how many directed datagrams the fabric has
// buffered for the given target address.
func (f *Fabric) PendingDatagrams(addr uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.pending[addr])
}

// matchDirected finds a counterpart for a freshly posted directed datagram
// from src targeting dstAddr, or buffers the slot. Called with f.mu held.
func (f *Fabric) matchDirected(src *datagramSlot, dstAddr uint32) {
	// A buffered directed datagram from the target back to the source wins
	// (simultaneous connect).
	queue := f.pending[src.owner.dev.addr]
	for i, cand := range queue {
		if cand.owner.dev.addr == dstAddr {
			f.pending[src.owner.dev.addr] = append(queue[:i], queue[i+1:]...)
			f.complete(src, cand)
			return
		}
	}

	dst := f.devices[dstAddr]
	if dst == nil {
		// Unknown address: buffer until such a device appears and listens.
		f.pending[dstAddr] = append(f.pending[dstAddr], src)
		return
	}

	// An outstanding directed datagram on the target pointing back here.
	for _, ep := range dst.endpoints {
		if ep.wildcard || ep.peer.Addr != src.owner.dev.addr {
			continue
		}
		for _, cand := range ep.dgrams {
			if cand.state == nic.PostPending {
				f.complete(src, cand)
				return
			}
		}
	}

	// The target's wildcard slot.
	if dst.wildcard != nil {
		for _, cand := range dst.wildcard.dgrams {
			if cand.state == nic.PostPending {
				f.complete(src, cand)
				return
			}
		}
	}

	f.pending[dstAddr] = append(f.pending[dstAddr], src)
}

// matchListener pairs a freshly posted wildcard or directed slot on dev with
// the oldest buffered directed datagram it can serve. Called with f.mu held.
func (f *Fabric) matchListener(slot *datagramSlot) {
	dev := slot.owner.dev
	queue := f.pending[dev.addr]
	for i, cand := range queue {
		if !slot.owner.wildcard && slot.owner.peer.Addr != cand.owner.dev.addr {
			continue
		}
		f.pending[dev.addr] = append(queue[:i], queue[i+1:]...)
		f.complete(cand, slot)
		return
	}
}

// complete finishes a matched datagram pair, swapping payloads and queueing
// both completions for probing. Called with f.mu held.
func (f *Fabric) complete(a, b *datagramSlot) {
	a.state = nic.PostCompleted
	b.state = nic.PostCompleted

	a.peerInfo = nic.DatagramPeer{Addr: b.owner.dev.addr, ID: b.owner.dev.addr}
	b.peerInfo = nic.DatagramPeer{Addr: a.owner.dev.addr, ID: a.owner.dev.addr}

	a.in = util.CloneSlice(b.out, 0)
	b.in = util.CloneSlice(a.out, 0)

	a.owner.dev.probeQ = append(a.owner.dev.probeQ, a.id)
	b.owner.dev.probeQ = append(b.owner.dev.probeQ, b.id)
}

// dropPending removes a cancelled slot from the buffered queues. Called with
// f.mu held.
func (f *Fabric) dropPending(slot *datagramSlot) {
	for addr, queue := range f.pending {
		for i, cand := range queue {
			if cand == slot {
				f.pending[addr] = append(queue[:i], queue[i+1:]...)
				return
			}
		}
	}
}
