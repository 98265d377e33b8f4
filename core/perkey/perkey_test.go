package perkey

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLanes_TryGo(t *testing.T) {
	l := New[string]()
	defer l.Close(context.Background())

	boom := errors.New("boom")
	done, err := l.TryGo("a", func() error { return boom })
	require.NoError(t, err)
	require.ErrorIs(t, <-done, boom)

	// the lane is free again once the result is delivered
	done, err = l.TryGo("a", func() error { return nil })
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, 1, l.Len())
}

func TestLanes_BusyWhileRunning(t *testing.T) {
	l := New[int]()
	defer l.Close(context.Background())

	release := make(chan struct{})
	done, err := l.TryGo(1, func() error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.True(t, l.Busy(1))

	_, err = l.TryGo(1, func() error { return nil })
	require.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	require.False(t, l.Busy(1))
	require.False(t, l.Busy(2))
}

func TestLanes_ParallelAcrossKeys(t *testing.T) {
	l := New[int]()
	defer l.Close(context.Background())

	var running, peak atomic.Int32
	release := make(chan struct{})
	var dones []<-chan error
	for k := range 4 {
		done, err := l.TryGo(k, func() error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
		dones = append(dones, done)
	}

	require.Eventually(t, func() bool { return running.Load() == 4 }, time.Second, time.Millisecond)
	close(release)
	for _, done := range dones {
		require.NoError(t, <-done)
	}
	require.Equal(t, int32(4), peak.Load())
}

func TestLanes_CloseWaitsForRunning(t *testing.T) {
	l := New[string]()

	var finished atomic.Bool
	_, err := l.TryGo("a", func() error {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, l.Close(t.Context()))
	require.True(t, finished.Load())

	_, err = l.TryGo("a", func() error { return nil })
	require.ErrorIs(t, err, ErrClosed)
	_, err = l.TryGo("b", func() error { return nil })
	require.ErrorIs(t, err, ErrClosed)

	// closing again only waits
	require.NoError(t, l.Close(t.Context()))
}

func TestLanes_CloseDeadline(t *testing.T) {
	l := New[string]()

	release := make(chan struct{})
	defer close(release)
	_, err := l.TryGo("stuck", func() error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.Close(ctx), context.DeadlineExceeded)
}
