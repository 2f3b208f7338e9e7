package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-fabric/internal/affinity"
	"github.com/arloliu/go-fabric/logger"
	"github.com/arloliu/go-fabric/nic"
)

// Transport owns one engine device per network interface and the optional
// background progress task driving them.
type Transport struct {
	cfg     *Config
	log     logger.Logger
	devices []*Device
	taskMgr *TaskManager
	closed  atomic.Bool
}

// New builds a transport over the given interfaces. An interface that fails
// device setup is skipped with an error log; New itself fails only when cfg
// is nil, no interface was given, or none survived setup.
//
// With WithBackgroundProgress set, a task polls every device at the
// configured interval; otherwise the caller drives the engine through
// Progress.
func New(ctx context.Context, cfg *Config, ifaces ...nic.Device) (*Transport, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	if len(ifaces) == 0 {
		return nil, ErrNoDevices
	}

	log := cfg.Logger()
	t := &Transport{
		cfg:     cfg,
		log:     log,
		taskMgr: NewTaskManager(ctx, log),
	}

	for _, iface := range ifaces {
		dev, err := newDevice(iface, cfg)
		if err != nil {
			log.Error("device setup failed", "addr", iface.Addr(), "inst_id", iface.InstID(), "error", err)
			continue
		}
		t.devices = append(t.devices, dev)
	}
	if len(t.devices) == 0 {
		return nil, ErrNoDevices
	}

	if cfg.progressInterval > 0 {
		var pinOnce sync.Once
		task := func() bool {
			pinOnce.Do(func() {
				if cfg.progressCPU >= 0 {
					if err := affinity.Pin(cfg.progressCPU); err != nil {
						log.Warn("progress task pinning failed", "cpu", cfg.progressCPU, "error", err)
					}
				}
			})
			t.Progress()

			return true
		}
		if _, err := t.taskMgr.StartInterval("progress", task, cfg.progressInterval, false); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Progress runs one engine pass on every device and reports the number of
// completion events handled. It never blocks and is safe to call from any
// goroutine.
func (t *Transport) Progress() int {
	count := 0
	for _, dev := range t.devices {
		count += dev.progress()
	}

	return count
}

// Devices returns the transport's engine devices in construction order.
func (t *Transport) Devices() []*Device {
	devs := make([]*Device, len(t.devices))
	copy(devs, t.devices)

	return devs
}

// Close stops the background progress task, tears down every device and
// completes all outstanding work with ErrTransportClosed. Close is
// idempotent.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.taskMgr.Stop()
	t.taskMgr.Wait()

	for _, dev := range t.devices {
		dev.close()
	}
	t.log.Info("transport closed")

	return nil
}
