package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/arloliu/go-fabric/nic"
	"github.com/arloliu/go-fabric/nicsim"
	"github.com/stretchr/testify/require"
)

// testPair wires two single-device transports over one simulated fabric.
type testPair struct {
	fabric *nicsim.Fabric
	simA   *nicsim.Device
	simB   *nicsim.Device
	ta     *Transport
	tb     *Transport
	devA   *Device
	devB   *Device
}

func newTestPair(t *testing.T, aOpts, bOpts []Option) *testPair {
	t.Helper()

	p := &testPair{fabric: nicsim.NewFabric()}
	p.simA = p.fabric.NewDevice()
	p.simB = p.fabric.NewDevice()

	cfgA, err := NewConfig(aOpts...)
	require.NoError(t, err)
	cfgB, err := NewConfig(bOpts...)
	require.NoError(t, err)

	p.ta, err = New(context.Background(), cfgA, p.simA)
	require.NoError(t, err)
	p.tb, err = New(context.Background(), cfgB, p.simB)
	require.NoError(t, err)

	p.devA = p.ta.Devices()[0]
	p.devB = p.tb.Devices()[0]

	t.Cleanup(func() {
		_ = p.ta.Close()
		_ = p.tb.Close()
	})

	return p
}

// pump runs n progress passes on both transports.
func (p *testPair) pump(n int) {
	for i := 0; i < n; i++ {
		p.ta.Progress()
		p.tb.Progress()
	}
}

// wait pumps both transports until done delivers, failing the test if the
// fragment never completes.
func (p *testPair) wait(t *testing.T, done <-chan error) error {
	t.Helper()

	for i := 0; i < 10000; i++ {
		select {
		case err := <-done:
			return err
		default:
			p.ta.Progress()
			p.tb.Progress()
		}
	}
	t.Fatal("fragment did not complete")

	return nil
}

// connect sends one tagged hello in each direction and pumps until both
// endpoints report connected.
func (p *testPair) connect(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()

	epAB := p.devA.Endpoint(peerOf(p.simB))
	hello, err := p.devA.AcquireFragment()
	require.NoError(t, err)
	hello.Tag = helloTag
	hello.Data = []byte{0}
	done := hello.Done()
	require.NoError(t, epAB.Send(hello))
	require.NoError(t, p.wait(t, done))

	epBA := p.devB.Endpoint(peerOf(p.simA))
	back, err := p.devB.AcquireFragment()
	require.NoError(t, err)
	back.Tag = helloTag
	back.Data = []byte{0}
	bdone := back.Done()
	require.NoError(t, epBA.Send(back))
	require.NoError(t, p.wait(t, bdone))

	require.True(t, epAB.State().IsConnected())
	require.True(t, epBA.State().IsConnected())

	return epAB, epBA
}

// sendOn issues a tagged payload and returns its future.
func sendOn(t *testing.T, dev *Device, ep *Endpoint, tag uint8, payload []byte) <-chan error {
	t.Helper()

	frag, err := dev.AcquireFragment()
	require.NoError(t, err)
	frag.Tag = tag
	frag.Data = payload
	done := frag.Done()
	require.NoError(t, ep.Send(frag))

	return done
}

func peerOf(sim *nicsim.Device) nic.DatagramPeer {
	return nic.DatagramPeer{Addr: sim.Addr(), ID: sim.InstID()}
}

// helloTag marks the connect helper's handshake sends so tests can filter
// them out of recorded deliveries.
const helloTag uint8 = 0xFF

type recvMsg struct {
	peer uint32
	tag  uint8
	data []byte
}

// recvRecorder is a RecvHandler that keeps copies of delivered messages.
type recvRecorder struct {
	mu   sync.Mutex
	msgs []recvMsg
}

func (r *recvRecorder) handler(ep *Endpoint, tag uint8, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.msgs = append(r.msgs, recvMsg{
		peer: ep.Peer().ID,
		tag:  tag,
		data: append([]byte(nil), data...),
	})
}

// tagged returns the recorded messages carrying tag, in delivery order.
func (r *recvRecorder) tagged(tag uint8) []recvMsg {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []recvMsg
	for _, m := range r.msgs {
		if m.tag == tag {
			out = append(out, m)
		}
	}

	return out
}
