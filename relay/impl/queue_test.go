package impl

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/framerelay/types"
)

func seqFrame(seq uint64) types.Frame {
	return types.Frame{Seq: seq, Data: []byte{byte(seq)}}
}

func popAll(q *BoundedQueue) []uint64 {
	var out []uint64
	for {
		f, ok := q.Pop(0)
		if !ok {
			return out
		}
		out = append(out, f.Seq)
	}
}

func TestBoundedQueue_DropNewest(t *testing.T) {
	q := NewBoundedQueue(3, types.DropNewest)

	for i := uint64(1); i <= 5; i++ {
		accepted := q.Push(seqFrame(i))
		require.Equal(t, i <= 3, accepted)
	}

	require.Equal(t, 3, q.Len())
	require.Equal(t, uint64(2), q.Dropped())
	require.Equal(t, []uint64{1, 2, 3}, popAll(q))
}

func TestBoundedQueue_DropOldest(t *testing.T) {
	q := NewBoundedQueue(3, types.DropOldest)

	for i := uint64(1); i <= 7; i++ {
		require.True(t, q.Push(seqFrame(i)))
	}

	require.Equal(t, 3, q.Len())
	require.Equal(t, uint64(4), q.Dropped())
	require.Equal(t, []uint64{5, 6, 7}, popAll(q))
}

func TestBoundedQueue_Capacity(t *testing.T) {
	q := NewBoundedQueue(0, types.DropOldest)
	require.Equal(t, 1, q.Cap())

	q.Push(seqFrame(1))
	q.Push(seqFrame(2))
	require.Equal(t, []uint64{2}, popAll(q))
}

func TestBoundedQueue_PopTimeout(t *testing.T) {
	q := NewBoundedQueue(2, types.DropNewest)

	start := time.Now()
	_, ok := q.Pop(50 * time.Millisecond)
	elapsed := time.Since(start)

	require.False(t, ok)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, time.Second)

	_, ok = q.Pop(0)
	require.False(t, ok)
}

func TestBoundedQueue_PopWakesUp(t *testing.T) {
	q := NewBoundedQueue(2, types.DropNewest)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(seqFrame(9))
	}()

	f, ok := q.Pop(time.Second)
	require.True(t, ok)
	require.Equal(t, uint64(9), f.Seq)
}

func TestBoundedQueue_Drain(t *testing.T) {
	q := NewBoundedQueue(4, types.DropNewest)
	q.Push(seqFrame(1))
	q.Push(seqFrame(2))

	require.Equal(t, 2, q.Drain())
	require.Equal(t, 0, q.Len())

	_, ok := q.Pop(10 * time.Millisecond)
	require.False(t, ok)
}

// One producer and one consumer: survivors stay in order.
func TestBoundedQueue_Concurrent(t *testing.T) {
	q := NewBoundedQueue(4, types.DropOldest)

	const n = 2000

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for i := uint64(1); i <= n; i++ {
			q.Push(seqFrame(i))
		}
	}()

	// the newest frame is never evicted, so the consumer ends on it
	var got []uint64
	for {
		f, ok := q.Pop(time.Second)
		require.True(t, ok)
		got = append(got, f.Seq)
		if f.Seq == n {
			break
		}
	}

	wg.Wait()
	require.Equal(t, 0, q.Len())
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
	require.Equal(t, uint64(n), got[len(got)-1])
	require.Equal(t, uint64(n), uint64(len(got))+q.Dropped())
}
