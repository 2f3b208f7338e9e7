package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFIFO(t *testing.T) {
	require := require.New(t)

	q := NewFIFO[int]()
	require.Equal(0, q.Len())

	_, ok := q.Pop()
	require.False(ok)

	_, ok = q.Peek()
	require.False(ok)

	for i := 1; i <= 100; i++ {
		q.Push(i)
	}
	require.Equal(100, q.Len())

	head, ok := q.Peek()
	require.True(ok)
	require.Equal(1, head)
	require.Equal(100, q.Len())

	for i := 1; i <= 100; i++ {
		item, ok := q.Pop()
		require.True(ok)
		require.Equal(i, item)
	}
	require.Equal(0, q.Len())
}

func TestFIFO_Concurrent(t *testing.T) {
	require := require.New(t)

	const producers = 8
	const perProducer = 1000

	q := NewFIFO[int]()

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()

	require.Equal(producers*perProducer, q.Len())

	count := 0
	for {
		if _, ok := q.Pop(); !ok {
			break
		}
		count++
	}
	require.Equal(producers*perProducer, count)
}
