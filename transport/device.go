package transport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-fabric/internal/pool"
	"github.com/arloliu/go-fabric/internal/queue"
	"github.com/arloliu/go-fabric/logger"
	"github.com/arloliu/go-fabric/nic"
)

// eagerBuf is a slab-backed registered staging buffer for transfers whose
// local memory is not registered.
type eagerBuf struct {
	data   []byte
	handle nic.MemHandle
}

// Device drives one network interface: it owns the interface's completion
// queues, the wildcard connection slot, the per-peer endpoints and the
// fragment and staging-buffer pools. All hardware activity on the interface
// funnels through the device's progress pass.
type Device struct {
	nic nic.Device
	cfg *Config
	thr Thresholds
	log logger.Logger

	localCQ  nic.CQ
	remoteCQ nic.CQ
	rdmaCQ   nic.CQ

	wildcardEP nic.Endpoint

	endpoints *xsync.MapOf[uint32, *Endpoint]

	// waitList holds endpoints parked on deferred work; failedList holds
	// fragments whose completion was deferred to the next progress pass.
	waitList   *queue.FIFO[*Endpoint]
	failedList *queue.FIFO[*Fragment]

	frags     *pool.FreeList[Fragment]
	eagerBufs *pool.FreeList[eagerBuf]

	smsgInflight *xsync.MapOf[uint32, *Fragment]
	rdmaInflight *xsync.MapOf[uint64, *Fragment]

	recvHandler RecvHandler

	msgIDs   atomic.Uint32
	handles  atomic.Uint64
	regCount atomic.Int64

	metrics DeviceMetrics

	progressMu sync.Mutex
	closed     atomic.Bool
}

func newDevice(iface nic.Device, cfg *Config) (*Device, error) {
	thr, err := computeThresholds(cfg, iface)
	if err != nil {
		return nil, err
	}

	d := &Device{
		nic:          iface,
		cfg:          cfg,
		thr:          thr,
		log:          cfg.Logger(),
		endpoints:    xsync.NewMapOf[uint32, *Endpoint](),
		waitList:     queue.NewFIFO[*Endpoint](),
		failedList:   queue.NewFIFO[*Fragment](),
		smsgInflight: xsync.NewMapOf[uint32, *Fragment](),
		rdmaInflight: xsync.NewMapOf[uint64, *Fragment](),
		recvHandler:  cfg.recvHandler,
	}

	if d.localCQ, err = iface.CreateCQ(cfg.localCQDepth); err != nil {
		return nil, fmt.Errorf("transport: local completion queue: %w", err)
	}
	if d.remoteCQ, err = iface.CreateCQ(cfg.remoteCQDepth); err != nil {
		return nil, fmt.Errorf("transport: remote notification queue: %w", err)
	}
	if d.rdmaCQ, err = iface.CreateCQ(cfg.localCQDepth); err != nil {
		return nil, fmt.Errorf("transport: transaction completion queue: %w", err)
	}

	if d.wildcardEP, err = iface.CreateWildcardEndpoint(); err != nil {
		return nil, fmt.Errorf("transport: wildcard endpoint: %w", err)
	}
	if err = d.wildcardEP.PostDatagram(wildcardDatagramID, nil); err != nil {
		return nil, fmt.Errorf("transport: wildcard datagram: %w", err)
	}

	if d.frags, err = pool.NewFreeList(cfg.fragInitial, cfg.fragMax, cfg.fragIncrement, d.newFragBatch); err != nil {
		return nil, err
	}
	if d.eagerBufs, err = pool.NewFreeList(cfg.eagerInitial, cfg.eagerMax, cfg.eagerIncrement, d.newEagerBatch); err != nil {
		return nil, err
	}

	d.log.Info("transport device ready",
		"addr", iface.Addr(),
		"inst_id", iface.InstID(),
		"smsg_limit", thr.SmsgLimit,
		"mailbox_size", thr.MailboxSize,
		"max_registrations", thr.MaxMemReg,
	)

	return d, nil
}

func (d *Device) newFragBatch(n int) ([]*Fragment, error) {
	frags := make([]*Fragment, n)
	for i := range frags {
		frags[i] = &Fragment{}
	}

	return frags, nil
}

// newEagerBatch carves one registered slab into fixed staging buffers; a
// single registration covers the whole batch.
func (d *Device) newEagerBatch(n int) ([]*eagerBuf, error) {
	size := int(d.thr.EagerLimit)
	slab := make([]byte, n*size)
	handle, err := d.registerMemory(slab, nil)
	if err != nil {
		return nil, err
	}

	bufs := make([]*eagerBuf, n)
	for i := range bufs {
		bufs[i] = &eagerBuf{
			data:   slab[i*size : (i+1)*size],
			handle: handle,
		}
	}

	return bufs, nil
}

// RegisterMemory registers an application buffer with the device so gets and
// puts can address it directly. The registration counts against the device's
// registration budget; the returned handle doubles as the cookie peers use
// to address the window.
func (d *Device) RegisterMemory(buf []byte) (nic.MemHandle, error) {
	return d.registerMemory(buf, nil)
}

// DeregisterMemory releases a registration obtained from RegisterMemory.
func (d *Device) DeregisterMemory(handle nic.MemHandle) error {
	return d.deregisterMemory(handle)
}

// registerMemory registers buf within the device's registration budget.
// Budget exhaustion wraps nic.ErrBusy, like the hardware's own exhaustion.
func (d *Device) registerMemory(buf []byte, notify nic.CQ) (nic.MemHandle, error) {
	if max := d.thr.MaxMemReg; max > 0 && int(d.regCount.Add(1)) > max {
		d.regCount.Add(-1)
		return nic.MemHandle{}, fmt.Errorf("transport: registration budget %d reached: %w", max, nic.ErrBusy)
	} else if max <= 0 {
		d.regCount.Add(1)
	}

	handle, err := d.nic.RegisterMemory(buf, notify)
	if err != nil {
		d.regCount.Add(-1)
		return nic.MemHandle{}, err
	}

	return handle, nil
}

func (d *Device) deregisterMemory(handle nic.MemHandle) error {
	err := d.nic.DeregisterMemory(handle)
	if err == nil {
		d.regCount.Add(-1)
	}

	return err
}

// AcquireFragment takes a fragment from the device free list, growing the
// list up to its cap. It returns pool.ErrExhausted when the cap is reached
// and every fragment is in use.
//
// A fragment accepted by Send, Get or Put recycles automatically after its
// completion fires; call Release only on fragments that were never accepted.
func (d *Device) AcquireFragment() (*Fragment, error) {
	frag, err := d.frags.Get()
	if err != nil {
		return nil, err
	}
	frag.reset(d)

	return frag, nil
}

// Endpoint returns the engine endpoint for peer, creating it on first use.
// A created endpoint stays unconnected until work is issued on it.
func (d *Device) Endpoint(peer nic.DatagramPeer) *Endpoint {
	ep, _ := d.endpoints.LoadOrCompute(peer.ID, func() *Endpoint {
		return newEndpoint(d, peer)
	})

	return ep
}

// Metrics returns the device counter set.
func (d *Device) Metrics() *DeviceMetrics { return &d.metrics }

// Addr returns the interface's network address.
func (d *Device) Addr() uint32 { return d.nic.Addr() }

// InstID returns the interface's instance identifier.
func (d *Device) InstID() uint32 { return d.nic.InstID() }

// Thresholds returns the resolved policy values the device runs with.
func (d *Device) Thresholds() Thresholds { return d.thr }

func (d *Device) issueHardware(frag *Fragment) (bool, error) {
	if frag.kind == SendFragment {
		return d.issueSmsg(frag)
	}

	return d.issuePost(frag)
}

// finishFragment settles a fragment exactly once, releases its staging
// buffer and returns it to the free list. Staged gets copy back into the
// caller's buffer before the completion fires.
func (d *Device) finishFragment(frag *Fragment, cause error) {
	if cause == nil && frag.kind == GetFragment && frag.eager != nil {
		copy(frag.Local[:frag.Length], frag.eager.data[:frag.Length])
	}
	if frag.eager != nil {
		d.eagerBufs.Put(frag.eager)
		frag.eager = nil
	}
	if cause != nil {
		d.metrics.incFailureCount()
	}

	frag.complete(d.log, cause)
	d.frags.Put(frag)
}

func (d *Device) nextMsgID() uint32  { return d.msgIDs.Add(1) }
func (d *Device) nextHandle() uint64 { return d.handles.Add(1) }

// close tears the device down: the wildcard slot is cancelled, endpoints
// are unbound and every queued or in-flight fragment completes with
// ErrTransportClosed. Deferred inline completions still settle as
// successes.
func (d *Device) close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}

	// Wait out a progress pass already in flight.
	d.progressMu.Lock()
	defer d.progressMu.Unlock()

	if d.wildcardEP != nil {
		_ = d.wildcardEP.CancelDatagram(wildcardDatagramID)
	}

	d.endpoints.Range(func(_ uint32, ep *Endpoint) bool {
		ep.close()
		return true
	})

	d.smsgInflight.Range(func(id uint32, frag *Fragment) bool {
		d.smsgInflight.Delete(id)
		d.finishFragment(frag, ErrTransportClosed)

		return true
	})
	d.rdmaInflight.Range(func(id uint64, frag *Fragment) bool {
		d.rdmaInflight.Delete(id)
		d.finishFragment(frag, ErrTransportClosed)

		return true
	})

	for {
		frag, ok := d.failedList.Pop()
		if !ok {
			break
		}
		d.finishFragment(frag, nil)
	}
	for {
		if _, ok := d.waitList.Pop(); !ok {
			break
		}
	}

	if err := d.nic.Close(); err != nil {
		d.log.Error("device close failed", "inst_id", d.nic.InstID(), "error", err)
	}
	d.log.Info("transport device closed", "inst_id", d.nic.InstID())
}
