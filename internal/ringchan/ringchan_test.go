package ringchan

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// receiveAll empties rc through ReceiveTimeout
func receiveAll[T any](rc *RingChannel[T]) []T {
	var got []T
	for {
		v, ok := rc.ReceiveTimeout(5 * time.Millisecond)
		if !ok {
			return got
		}
		got = append(got, v)
	}
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}

func TestForceSendOverwritesOldest(t *testing.T) {
	rc := New[int](3)

	for i := 0; i < 10; i++ {
		rc.ForceSend(i)
	}

	assert.Equal(t, []int{7, 8, 9}, receiveAll(rc), "only the newest values MUST survive")

	m := rc.Metrics()
	assert.Equal(t, int64(10), m.Written)
	assert.Equal(t, int64(7), m.Overwritten)
	assert.Equal(t, int64(3), m.Processed)
}

func TestForceSendCapacityOne(t *testing.T) {
	rc := New[[]byte](1)

	assert.False(t, rc.ForceSend([]byte{1}), "first send MUST not drop")
	assert.True(t, rc.ForceSend([]byte{2}), "second send MUST drop the stale value")

	v, ok := rc.ReceiveTimeout(time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte{2}, v)
}

func TestReceiveTimeout(t *testing.T) {
	t.Run("returns buffered value", func(t *testing.T) {
		rc := New[string](1)
		rc.ForceSend("hello")

		v, ok := rc.ReceiveTimeout(time.Second)
		assert.True(t, ok)
		assert.Equal(t, "hello", v)
	})

	t.Run("times out when empty", func(t *testing.T) {
		rc := New[string](1)

		start := time.Now()
		_, ok := rc.ReceiveTimeout(30 * time.Millisecond)
		assert.False(t, ok)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("wakes on concurrent send", func(t *testing.T) {
		rc := New[int](1)
		go func() {
			time.Sleep(10 * time.Millisecond)
			rc.ForceSend(42)
		}()

		v, ok := rc.ReceiveTimeout(time.Second)
		assert.True(t, ok)
		assert.Equal(t, 42, v)
	})
}

func TestDrain(t *testing.T) {
	rc := New[int](4)
	rc.ForceSend(1)
	rc.ForceSend(2)

	assert.Equal(t, 2, rc.Drain())
	assert.Equal(t, 0, rc.Drain())
	assert.Equal(t, int64(2), rc.Metrics().Overwritten, "drained values MUST count as overwritten")
}

func TestChannelView(t *testing.T) {
	rc := New[int](2)
	rc.ForceSend(5)

	select {
	case v := <-rc.C():
		assert.Equal(t, 5, v)
	case <-time.After(time.Second):
		t.Fatal("value MUST be readable from C()")
	}
	assert.Equal(t, int64(0), rc.Metrics().Processed, "reads through C() bypass the Processed counter")
}

func TestConcurrentProducersNeverBlock(t *testing.T) {
	rc := New[int](2)
	var wg sync.WaitGroup

	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rc.ForceSend(p*1000 + i)
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producers MUST never block")
	}
	assert.LessOrEqual(t, len(receiveAll(rc)), 2)
	assert.Equal(t, int64(8000), rc.Metrics().Written)
}
