package transport

import (
	"errors"
	"testing"

	"github.com/arloliu/go-fabric/nic"
	"github.com/arloliu/go-fabric/nicsim"
	"github.com/stretchr/testify/require"
)

// xfer bundles the window parameters of a get or put issue.
type xfer struct {
	local  []byte
	handle nic.MemHandle
	remote nic.MemHandle
	offset uint64
	length uint32
}

func issueXfer(t *testing.T, dev *Device, ep *Endpoint, kind FragmentKind, x xfer) <-chan error {
	t.Helper()

	frag, err := dev.AcquireFragment()
	require.NoError(t, err)
	frag.Local = x.local
	frag.LocalHandle = x.handle
	frag.Remote = x.remote
	frag.RemoteOffset = x.offset
	frag.Length = x.length
	done := frag.Done()

	if kind == GetFragment {
		require.NoError(t, ep.Get(frag))
	} else {
		require.NoError(t, ep.Put(frag))
	}

	return done
}

func fill(buf []byte, seed byte) {
	for i := range buf {
		buf[i] = seed + byte(i)
	}
}

func TestRdma_RegisteredRoundtrip(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)
	epAB, _ := p.connect(t)

	window := make([]byte, 4096)
	fill(window, 0x11)
	winHandle, err := p.devB.RegisterMemory(window)
	require.NoError(err)

	local := make([]byte, 4096)
	localHandle, err := p.devA.RegisterMemory(local)
	require.NoError(err)

	// Pull a slice of the peer window.
	done := issueXfer(t, p.devA, epAB, GetFragment, xfer{
		local:  local,
		handle: localHandle,
		remote: winHandle,
		offset: 128,
		length: 256,
	})
	require.NoError(p.wait(t, done))
	require.Equal(window[128:384], local[:256])

	// Push local bytes into the window at another offset.
	fill(local, 0x77)
	done = issueXfer(t, p.devA, epAB, PutFragment, xfer{
		local:  local,
		handle: localHandle,
		remote: winHandle,
		offset: 1024,
		length: 100,
	})
	require.NoError(p.wait(t, done))
	require.Equal(local[:100], window[1024:1124])

	// Both transfers fit the fast memory access engine.
	require.Equal(uint64(2), p.devA.Metrics().FmaPostCount.Load())
	require.Zero(p.devA.Metrics().RdmaPostCount.Load())

	// Above the FMA limit the bulk engine carries the transfer.
	fill(window, 0x42)
	done = issueXfer(t, p.devA, epAB, GetFragment, xfer{
		local:  local,
		handle: localHandle,
		remote: winHandle,
		length: 2048,
	})
	require.NoError(p.wait(t, done))
	require.Equal(window[:2048], local[:2048])
	require.Equal(uint64(1), p.devA.Metrics().RdmaPostCount.Load())
}

func TestRdma_EagerStagedTransfers(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)
	epAB, _ := p.connect(t)

	window := make([]byte, 2048)
	fill(window, 0x05)
	winHandle, err := p.devB.RegisterMemory(window)
	require.NoError(err)

	// A staged get lands in the caller's unregistered buffer.
	local := make([]byte, 300)
	done := issueXfer(t, p.devA, epAB, GetFragment, xfer{
		local:  local,
		remote: winHandle,
		length: 300,
	})
	require.NoError(p.wait(t, done))
	require.Equal(window[:300], local)

	// A staged put captures the payload when it is issued; mutating the
	// caller's buffer afterwards must not change what lands.
	out := make([]byte, 200)
	fill(out, 0x90)
	want := append([]byte(nil), out...)
	done = issueXfer(t, p.devA, epAB, PutFragment, xfer{
		local:  out,
		remote: winHandle,
		offset: 1000,
		length: 200,
	})
	for i := range out {
		out[i] = 0
	}
	require.NoError(p.wait(t, done))
	require.Equal(want, window[1000:1200])
}

func TestRdma_EagerPoolExhaustion(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, []Option{WithEagerListSizes(1, 1, 1)}, nil)
	epAB, _ := p.connect(t)

	window := make([]byte, 1024)
	fill(window, 0x21)
	winHandle, err := p.devB.RegisterMemory(window)
	require.NoError(err)

	// Two staged gets against a single staging buffer: the second parks
	// until the first completes and returns the buffer.
	bufA := make([]byte, 256)
	bufB := make([]byte, 256)
	done1 := issueXfer(t, p.devA, epAB, GetFragment, xfer{local: bufA, remote: winHandle, length: 256})
	done2 := issueXfer(t, p.devA, epAB, GetFragment, xfer{local: bufB, remote: winHandle, offset: 256, length: 256})

	require.NoError(p.wait(t, done1))
	require.NoError(p.wait(t, done2))
	require.Equal(window[:256], bufA)
	require.Equal(window[256:512], bufB)
	require.NotZero(p.devA.Metrics().WaitListCount.Load())
}

func TestRdma_InlineCompletionReplay(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)
	epAB, _ := p.connect(t)

	window := make([]byte, 256)
	fill(window, 0x33)
	winHandle, err := p.devB.RegisterMemory(window)
	require.NoError(err)
	local := make([]byte, 256)
	localHandle, err := p.devA.RegisterMemory(local)
	require.NoError(err)

	p.simA.InlineNextPosts(1)

	done := issueXfer(t, p.devA, epAB, GetFragment, xfer{
		local:  local,
		handle: localHandle,
		remote: winHandle,
		length: 64,
	})

	// An inline completion produces no queue event; it settles on the next
	// pass, off the replay list, and is not counted as a polled event.
	select {
	case <-done:
		t.Fatal("inline completion settled before the next pass")
	default:
	}

	require.Zero(p.ta.Progress())
	select {
	case err := <-done:
		require.NoError(err)
	default:
		t.Fatal("deferred inline completion did not settle")
	}

	require.Equal(window[:64], local[:64])
	require.Equal(uint64(1), p.devA.Metrics().InlineCount.Load())
	require.Equal(uint64(1), p.devA.Metrics().ReplayCount.Load())
	require.Zero(p.devA.Metrics().FmaPostCount.Load())
}

func TestRdma_RetryThenComplete(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)
	epAB, _ := p.connect(t)

	window := make([]byte, 256)
	fill(window, 0x63)
	winHandle, err := p.devB.RegisterMemory(window)
	require.NoError(err)
	local := make([]byte, 256)
	localHandle, err := p.devA.RegisterMemory(local)
	require.NoError(err)

	p.simA.FailNextPosts(2, nic.StatusTransientError)

	done := issueXfer(t, p.devA, epAB, GetFragment, xfer{
		local:  local,
		handle: localHandle,
		remote: winHandle,
		length: 128,
	})
	require.NoError(p.wait(t, done))
	require.Equal(window[:128], local[:128])

	require.Equal(uint64(2), p.devA.Metrics().RdmaRetryCount.Load())
	require.Equal(uint64(3), p.devA.Metrics().FmaPostCount.Load())
	require.Zero(p.devA.Metrics().FailureCount.Load())
}

func TestRdma_RetriesExhausted(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)
	epAB, _ := p.connect(t)

	window := make([]byte, 256)
	winHandle, err := p.devB.RegisterMemory(window)
	require.NoError(err)
	local := make([]byte, 256)
	localHandle, err := p.devA.RegisterMemory(local)
	require.NoError(err)

	// Default budget: 16 reposts of the original attempt, so the 17th
	// consecutive transient failure is permanent.
	p.simA.FailNextPosts(17, nic.StatusTransientError)

	done := issueXfer(t, p.devA, epAB, GetFragment, xfer{
		local:  local,
		handle: localHandle,
		remote: winHandle,
		length: 128,
	})
	err = p.wait(t, done)
	require.ErrorIs(err, ErrRdmaRetriesExceeded)
	require.EqualError(err, "transport: transaction retries exceeded after 16 retries: transient error")

	require.Equal(uint64(16), p.devA.Metrics().RdmaRetryCount.Load())
	require.Equal(uint64(17), p.devA.Metrics().FmaPostCount.Load())
	require.Equal(uint64(1), p.devA.Metrics().FailureCount.Load())
}

func TestRdma_ZeroRetryBudget(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, []Option{WithRdmaMaxRetries(0)}, nil)
	epAB, _ := p.connect(t)

	window := make([]byte, 256)
	winHandle, err := p.devB.RegisterMemory(window)
	require.NoError(err)
	local := make([]byte, 256)
	localHandle, err := p.devA.RegisterMemory(local)
	require.NoError(err)

	p.simA.FailNextPosts(1, nic.StatusTransientError)

	done := issueXfer(t, p.devA, epAB, GetFragment, xfer{
		local:  local,
		handle: localHandle,
		remote: winHandle,
		length: 128,
	})
	err = p.wait(t, done)
	require.ErrorIs(err, ErrRdmaRetriesExceeded)
	require.EqualError(err, "transport: transaction retries exceeded after 0 retries: transient error")
	require.Zero(p.devA.Metrics().RdmaRetryCount.Load())
}

func TestRdma_PostCallBusy(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)
	epAB, _ := p.connect(t)

	window := make([]byte, 256)
	fill(window, 0x51)
	winHandle, err := p.devB.RegisterMemory(window)
	require.NoError(err)
	local := make([]byte, 256)
	localHandle, err := p.devA.RegisterMemory(local)
	require.NoError(err)

	// A refused post call parks the fragment; the next pass reissues it.
	p.simA.FailNextPostCalls(1, nic.ErrBusy)

	done := issueXfer(t, p.devA, epAB, GetFragment, xfer{
		local:  local,
		handle: localHandle,
		remote: winHandle,
		length: 64,
	})
	select {
	case <-done:
		t.Fatal("refused post completed without a reissue")
	default:
	}

	require.NoError(p.wait(t, done))
	require.Equal(window[:64], local[:64])
	require.NotZero(p.devA.Metrics().WaitListCount.Load())
}

func TestRdma_PostCallHardError(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)
	epAB, _ := p.connect(t)

	window := make([]byte, 256)
	winHandle, err := p.devB.RegisterMemory(window)
	require.NoError(err)
	local := make([]byte, 256)
	localHandle, err := p.devA.RegisterMemory(local)
	require.NoError(err)

	p.simA.FailNextPostCalls(1, errors.New("wedged"))

	// The issue call accepts the fragment; the hard error arrives through
	// its completion.
	frag, err := p.devA.AcquireFragment()
	require.NoError(err)
	frag.Local = local
	frag.LocalHandle = localHandle
	frag.Remote = winHandle
	frag.Length = 64
	done := frag.Done()
	require.NoError(epAB.Get(frag))

	require.EqualError(<-done, "transport: get post: wedged")
	require.Equal(uint64(1), p.devA.Metrics().FailureCount.Load())

	// Post failures are per-fragment; the endpoint survives.
	require.True(epAB.State().IsConnected())
}

func TestRdma_UnknownRemoteWindow(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)
	epAB, _ := p.connect(t)

	local := make([]byte, 256)
	localHandle, err := p.devA.RegisterMemory(local)
	require.NoError(err)

	// A handle the peer never registered fails the completion, like real
	// hardware, and the failure is not recoverable.
	bogus := nic.MemHandle{Qword1: 0xdeadbeef, Qword2: 4096}
	done := issueXfer(t, p.devA, epAB, GetFragment, xfer{
		local:  local,
		handle: localHandle,
		remote: bogus,
		length: 64,
	})
	err = p.wait(t, done)
	require.ErrorIs(err, ErrTransactionFailure)
	require.EqualError(err, "transport: unrecoverable transaction failure: fatal error")
	require.True(epAB.State().IsConnected())
}

func TestRdma_GetLimitBoundsGetsOnly(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, []Option{WithGetLimit(512)}, nil)
	epAB, _ := p.connect(t)

	window := make([]byte, 1024)
	fill(window, 0x08)
	winHandle, err := p.devB.RegisterMemory(window)
	require.NoError(err)
	local := make([]byte, 1024)
	localHandle, err := p.devA.RegisterMemory(local)
	require.NoError(err)

	// One byte over the limit is rejected so the caller can pipeline.
	frag, err := p.devA.AcquireFragment()
	require.NoError(err)
	frag.Local = local
	frag.LocalHandle = localHandle
	frag.Remote = winHandle
	frag.Length = 513
	require.ErrorIs(epAB.Get(frag), ErrExceedsGetLimit)
	frag.Release()

	// The limit itself passes.
	done := issueXfer(t, p.devA, epAB, GetFragment, xfer{
		local:  local,
		handle: localHandle,
		remote: winHandle,
		length: 512,
	})
	require.NoError(p.wait(t, done))
	require.Equal(window[:512], local[:512])

	// Puts have no such bound.
	fill(local, 0x99)
	done = issueXfer(t, p.devA, epAB, PutFragment, xfer{
		local:  local,
		handle: localHandle,
		remote: winHandle,
		length: 513,
	})
	require.NoError(p.wait(t, done))
	require.Equal(local[:513], window[:513])
}

func TestRdma_OverrunPanics(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)
	epAB, _ := p.connect(t)

	window := make([]byte, 256)
	winHandle, err := p.devB.RegisterMemory(window)
	require.NoError(err)
	local := make([]byte, 256)
	localHandle, err := p.devA.RegisterMemory(local)
	require.NoError(err)

	issueXfer(t, p.devA, epAB, GetFragment, xfer{
		local:  local,
		handle: localHandle,
		remote: winHandle,
		length: 64,
	})

	// An overrun means completions were dropped; in-flight work can never
	// settle, so the pass halts.
	p.devA.rdmaCQ.(*nicsim.CQ).OverrunNext()
	require.Panics(func() { p.ta.Progress() })
}

func TestRdma_UnknownTransactionPanics(t *testing.T) {
	require := require.New(t)

	p := newTestPair(t, nil, nil)
	epAB, _ := p.connect(t)

	window := make([]byte, 256)
	winHandle, err := p.devB.RegisterMemory(window)
	require.NoError(err)
	local := make([]byte, 256)
	localHandle, err := p.devA.RegisterMemory(local)
	require.NoError(err)

	issueXfer(t, p.devA, epAB, GetFragment, xfer{
		local:  local,
		handle: localHandle,
		remote: winHandle,
		length: 64,
	})

	p.devA.rdmaInflight.Range(func(id uint64, _ *Fragment) bool {
		p.devA.rdmaInflight.Delete(id)
		return true
	})

	require.Panics(func() { p.ta.Progress() })
}
