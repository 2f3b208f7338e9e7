package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/arloliu/go-fabric/nic"
	"github.com/arloliu/go-fabric/nicsim"
	"github.com/stretchr/testify/require"
)

func TestDevice_EndpointLazyCreation(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)
	peer := peerOf(p.simB)

	ep := p.devA.Endpoint(peer)
	require.Equal(UnconnectedState, ep.State())
	require.Equal(peer, ep.Peer())

	// Repeated lookups return the same endpoint.
	require.Same(ep, p.devA.Endpoint(peer))
}

func TestEndpoint_ConnectOnFirstSend(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)
	epAB, epBA := p.connect(t)

	require.Equal(ConnectedState, epAB.State())
	require.Equal(ConnectedState, epBA.State())

	// One wildcard and one directed completion per side.
	require.Equal(uint64(2), p.devA.Metrics().DatagramCount.Load())
	require.Equal(uint64(2), p.devB.Metrics().DatagramCount.Load())
	require.Equal(uint64(1), p.devA.Metrics().ConnectCount.Load())
	require.Equal(uint64(1), p.devB.Metrics().ConnectCount.Load())

	// Each side sent and received exactly one hello.
	require.Equal(uint64(1), p.devA.Metrics().SmsgSendCount.Load())
	require.Equal(uint64(1), p.devA.Metrics().SmsgRecvCount.Load())
	require.Equal(uint64(1), p.devB.Metrics().SmsgSendCount.Load())
	require.Equal(uint64(1), p.devB.Metrics().SmsgRecvCount.Load())

	// The hello issued before the handshake finished went through the
	// wait list rather than blocking the caller.
	require.NotZero(p.devA.Metrics().WaitListCount.Load())

	// The listening slots survive the handshake.
	require.True(p.simA.WildcardPosted())
	require.True(p.simB.WildcardPosted())
}

func TestEndpoint_IssueValidation(t *testing.T) {
	p := newTestPair(t, nil, nil)
	epAB, _ := p.connect(t)
	eager := p.devA.Thresholds().EagerLimit

	t.Run("foreign fragment", func(t *testing.T) {
		require := require.New(t)

		require.EqualError(epAB.Send(nil), "transport: fragment does not belong to this device")

		frag, err := p.devB.AcquireFragment()
		require.NoError(err)
		require.EqualError(epAB.Send(frag), "transport: fragment does not belong to this device")
		frag.Release()
	})

	t.Run("fragment already issued", func(t *testing.T) {
		require := require.New(t)

		frag, err := p.devA.AcquireFragment()
		require.NoError(err)
		frag.Tag = 1
		frag.Data = []byte("once")
		done := frag.Done()
		require.NoError(epAB.Send(frag))
		require.EqualError(epAB.Send(frag), "transport: fragment already issued")
		require.NoError(p.wait(t, done))
	})

	t.Run("payload exceeds eager limit", func(t *testing.T) {
		require := require.New(t)

		frag, err := p.devA.AcquireFragment()
		require.NoError(err)
		frag.Data = make([]byte, eager+1)
		require.ErrorIs(epAB.Send(frag), ErrFragmentTooLarge)
		frag.Release()
	})

	t.Run("empty transfer window", func(t *testing.T) {
		require := require.New(t)

		frag, err := p.devA.AcquireFragment()
		require.NoError(err)
		require.EqualError(epAB.Get(frag), "transport: invalid transfer window: length 0, local buffer 0")
		frag.Release()
	})

	t.Run("window larger than local buffer", func(t *testing.T) {
		require := require.New(t)

		frag, err := p.devA.AcquireFragment()
		require.NoError(err)
		frag.Local = make([]byte, 8)
		frag.Length = 16
		require.EqualError(epAB.Put(frag), "transport: invalid transfer window: length 16, local buffer 8")
		frag.Release()
	})

	t.Run("unregistered buffer above staging limit", func(t *testing.T) {
		require := require.New(t)

		frag, err := p.devA.AcquireFragment()
		require.NoError(err)
		frag.Local = make([]byte, eager+1)
		frag.Length = eager + 1
		require.ErrorIs(epAB.Get(frag), ErrUnregisteredBuffer)
		frag.Release()
	})
}

func TestEndpoint_SendAfterClose(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)
	require.NoError(p.ta.Close())

	frag, err := p.devA.AcquireFragment()
	require.NoError(err)
	require.ErrorIs(p.devA.Endpoint(peerOf(p.simB)).Send(frag), ErrTransportClosed)
	frag.Release()
}

func TestEndpoint_DatagramWaitFailure(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)

	// The connecting side's directed exchange dies at the wait. Datagram
	// failures are terminal: no retry, the endpoint is dead.
	p.simA.FailNextWaits(1, errors.New("exchange timed out"))

	epAB := p.devA.Endpoint(peerOf(p.simB))
	frag, err := p.devA.AcquireFragment()
	require.NoError(err)
	frag.Data = []byte("never sent")
	done := frag.Done()
	require.NoError(epAB.Send(frag))

	require.ErrorIs(p.wait(t, done), ErrDatagramFailure)
	require.True(epAB.State().IsFailed())
	require.Equal(uint64(1), p.devA.Metrics().FailureCount.Load())

	// Later issues are refused outright.
	next, err := p.devA.AcquireFragment()
	require.NoError(err)
	require.ErrorIs(epAB.Send(next), ErrEndpointFailed)
	next.Release()

	// The listening slot is untouched by the failure.
	require.True(p.simA.WildcardPosted())
}

// TestEndpoint_SimultaneousConnect crosses two directed exchanges: the
// device's connection datagram is still unanswered at a peer with no
// listening slot when the peer's own directed datagram arrives, so the two
// pair directly and each completion carries the other side's mailbox
// attributes.
func TestEndpoint_SimultaneousConnect(t *testing.T) {
	require := require.New(t)

	fabric := nicsim.NewFabric()
	sim := fabric.NewDevice()
	client := fabric.NewDevice()

	cfg, err := NewConfig(WithSmsgCredits(4), WithSmsgLimit(256))
	require.NoError(err)
	tr, err := New(context.Background(), cfg, sim)
	require.NoError(err)
	t.Cleanup(func() { _ = tr.Close() })
	dev := tr.Devices()[0]

	// The peer has no listening slot, so the first send's connection
	// datagram sits at the peer unanswered.
	ep := dev.Endpoint(nic.DatagramPeer{Addr: client.Addr(), ID: client.InstID()})
	frag, err := dev.AcquireFragment()
	require.NoError(err)
	frag.Tag = 7
	frag.Data = []byte("crossed")
	done := frag.Done()
	require.NoError(ep.Send(frag))
	require.True(ep.State().IsConnecting())
	require.Equal(1, fabric.PendingDatagrams(client.Addr()))

	// The peer connects back with a directed datagram of its own.
	clientCQ, err := client.CreateCQ(8)
	require.NoError(err)
	notifyCQ, err := client.CreateCQ(8)
	require.NoError(err)
	clientBuf := make([]byte, 4096)
	clientHandle, err := client.RegisterMemory(clientBuf, notifyCQ)
	require.NoError(err)
	clientAttr := nic.MailboxAttr{MaxCredit: 4, MsgMaxSize: 256, Buffer: clientBuf, Handle: clientHandle}

	cep, err := client.CreateEndpoint(nic.DatagramPeer{Addr: sim.Addr(), ID: sim.InstID()}, clientCQ)
	require.NoError(err)
	require.NoError(cep.PostDatagram(directedDatagramID(sim.InstID()), encodeConnAttrs(clientAttr)))
	require.Equal(0, fabric.PendingDatagrams(client.Addr()))

	state, _, payload, err := cep.WaitDatagram(directedDatagramID(sim.InstID()))
	require.NoError(err)
	require.Equal(nic.PostCompleted, state)
	devAttr, err := decodeConnAttrs(payload)
	require.NoError(err)
	require.Equal(uint32(4), devAttr.MaxCredit)
	require.NoError(cep.InitMailbox(clientAttr, devAttr))

	// One pass consumes the directed completion, learns the peer's mailbox
	// from its payload and finishes the connect.
	require.Equal(1, tr.Progress())
	require.True(ep.State().IsConnected())
	require.Equal(uint64(1), dev.Metrics().DatagramCount.Load())
	require.Equal(uint64(1), dev.Metrics().ConnectCount.Load())

	// The next pass flushes the deferred send into the paired mailbox.
	require.Equal(1, tr.Progress())
	require.NoError(<-done)

	tag, data, ok, err := cep.NextSmsg()
	require.NoError(err)
	require.True(ok)
	require.Equal(uint8(7), tag)
	require.Equal([]byte("crossed"), data)

	// The listening slot never fired and is still armed.
	require.True(sim.WildcardPosted())
}

// TestEndpoint_ConnectRaceBothSides issues a first send on both sides before
// either transport runs a progress pass; both handshakes land and both
// payloads deliver.
func TestEndpoint_ConnectRaceBothSides(t *testing.T) {
	require := require.New(t)

	recA := &recvRecorder{}
	recB := &recvRecorder{}
	p := newTestPair(t, []Option{WithRecvHandler(recA.handler)}, []Option{WithRecvHandler(recB.handler)})

	epAB := p.devA.Endpoint(peerOf(p.simB))
	epBA := p.devB.Endpoint(peerOf(p.simA))

	doneA := sendOn(t, p.devA, epAB, 3, []byte("from-a"))
	doneB := sendOn(t, p.devB, epBA, 4, []byte("from-b"))

	require.NoError(p.wait(t, doneA))
	require.NoError(p.wait(t, doneB))

	require.True(epAB.State().IsConnected())
	require.True(epBA.State().IsConnected())

	msgsB := recB.tagged(3)
	require.Len(msgsB, 1)
	require.Equal([]byte("from-a"), msgsB[0].data)
	msgsA := recA.tagged(4)
	require.Len(msgsA, 1)
	require.Equal([]byte("from-b"), msgsA[0].data)

	// Exactly one connect per side, and the listening slots are re-armed.
	require.Equal(uint64(1), p.devA.Metrics().ConnectCount.Load())
	require.Equal(uint64(1), p.devB.Metrics().ConnectCount.Load())
	require.True(p.simA.WildcardPosted())
	require.True(p.simB.WildcardPosted())
}

// TestEndpoint_AcceptsManyPeers drives the passive side alone: raw fabric
// clients post connection datagrams at one device, which must accept every
// one, re-arm its listening slot each time, and hold one mailbox
// registration per peer.
func TestEndpoint_AcceptsManyPeers(t *testing.T) {
	require := require.New(t)

	fabric := nicsim.NewFabric()
	sim := fabric.NewDevice()

	cfg, err := NewConfig(WithSmsgCredits(2), WithSmsgLimit(256))
	require.NoError(err)
	tr, err := New(context.Background(), cfg, sim)
	require.NoError(err)
	t.Cleanup(func() { _ = tr.Close() })

	dev := tr.Devices()[0]
	payload := encodeConnAttrs(nic.MailboxAttr{
		MaxCredit:  2,
		MsgMaxSize: 256,
		Handle:     nic.MemHandle{Qword1: 1, Qword2: 1},
	})

	const peers = 1000
	for i := 0; i < peers; i++ {
		client := fabric.NewDevice()
		cq, err := client.CreateCQ(8)
		require.NoError(err)
		cep, err := client.CreateEndpoint(nic.DatagramPeer{Addr: sim.Addr(), ID: sim.InstID()}, cq)
		require.NoError(err)
		require.NoError(cep.PostDatagram(directedDatagramID(sim.InstID()), payload))

		require.Equal(1, tr.Progress())
		require.True(sim.WildcardPosted())

		ep := dev.Endpoint(nic.DatagramPeer{Addr: client.Addr(), ID: client.InstID()})
		require.True(ep.State().IsConnected())
	}

	require.Equal(uint64(peers), dev.Metrics().ConnectCount.Load())
	require.Equal(uint64(peers), dev.Metrics().DatagramCount.Load())

	// Accepted connections never park; nothing was deferred.
	require.Zero(dev.Metrics().WaitListCount.Load())

	// One eager slab plus one mailbox per accepted peer.
	require.Equal(peers+1, sim.Registrations())
}
