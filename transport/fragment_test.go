package transport

import (
	"errors"
	"testing"

	"github.com/arloliu/go-fabric/logger"
	"github.com/stretchr/testify/require"
)

func TestFragmentKind_String(t *testing.T) {
	require := require.New(t)

	require.Equal("send", SendFragment.String())
	require.Equal("get", GetFragment.String())
	require.Equal("put", PutFragment.String())
	require.Equal("unknown fragment kind", FragmentKind(9).String())
}

func TestFragmentState_String(t *testing.T) {
	require := require.New(t)

	require.Equal("idle", FragmentIdle.String())
	require.Equal("issued", FragmentIssued.String())
	require.Equal("retrying", FragmentRetrying.String())
	require.Equal("completed", FragmentCompleted.String())
	require.Equal("failed", FragmentFailed.String())
	require.Equal("unknown", FragmentState(7).String())

	require.False(FragmentIdle.Terminal())
	require.False(FragmentRetrying.Terminal())
	require.True(FragmentCompleted.Terminal())
	require.True(FragmentFailed.Terminal())
}

func TestFragment_CompleteExactlyOnce(t *testing.T) {
	require := require.New(t)

	log := logger.GetLogger()
	frag := &Fragment{}
	frag.reset(&Device{log: log})

	fired := 0
	var got error
	frag.Callback = func(f *Fragment, err error) {
		fired++
		got = err
	}
	done := frag.Done()

	frag.markIssued()
	require.Equal(FragmentIssued, frag.State())

	require.True(frag.complete(log, nil))
	require.Equal(FragmentCompleted, frag.State())
	require.Equal(1, fired)
	require.NoError(got)
	require.NoError(<-done)
	require.NoError(frag.Err())

	// A duplicated completion is suppressed.
	require.False(frag.complete(log, errors.New("late")))
	require.Equal(1, fired)
	require.Equal(FragmentCompleted, frag.State())
}

func TestFragment_CompleteWithError(t *testing.T) {
	require := require.New(t)

	log := logger.GetLogger()
	frag := &Fragment{}
	frag.reset(&Device{log: log})
	done := frag.Done()

	frag.markIssued()
	frag.markRetrying()
	frag.markRetrying()
	require.Equal(uint32(2), frag.Tries())
	require.Equal(FragmentRetrying, frag.State())

	cause := errors.New("hardware gave up")
	require.True(frag.complete(log, cause))
	require.Equal(FragmentFailed, frag.State())
	require.ErrorIs(<-done, cause)
	require.ErrorIs(frag.Err(), cause)
}

func TestFragment_Reset(t *testing.T) {
	require := require.New(t)

	dev := &Device{log: logger.GetLogger()}
	frag := &Fragment{Tag: 9, Data: []byte{1}, Length: 8, tries: 3}
	frag.reset(dev)

	require.Zero(frag.Tag)
	require.Nil(frag.Data)
	require.Zero(frag.Length)
	require.Zero(frag.Tries())
	require.Equal(FragmentIdle, frag.State())
	require.NotNil(frag.Done())
}
