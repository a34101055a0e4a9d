package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("after_fires_on_advance", func(t *testing.T) {
		f := NewFake(start)
		ch := f.After(10 * time.Second)

		f.Advance(5 * time.Second)
		select {
		case <-ch:
			t.Fatal("fired early")
		default:
		}

		f.Advance(5 * time.Second)
		select {
		case got := <-ch:
			assert.Equal(t, start.Add(10*time.Second), got)
		default:
			t.Fatal("did not fire")
		}
		assert.Equal(t, 0, f.Waiters())
	})

	t.Run("ticker_reschedules", func(t *testing.T) {
		f := NewFake(start)
		tk := f.NewTicker(time.Second)
		defer tk.Stop()

		f.Advance(time.Second)
		require.Len(t, tk.C(), 1)
		<-tk.C()

		f.Advance(time.Second)
		got := <-tk.C()
		assert.Equal(t, start.Add(2*time.Second), got)
		assert.Equal(t, 1, f.Waiters())
	})

	t.Run("stopped_ticker_is_removed", func(t *testing.T) {
		f := NewFake(start)
		tk := f.NewTicker(time.Second)
		tk.Stop()
		f.Advance(3 * time.Second)
		assert.Len(t, tk.C(), 0)
		assert.Equal(t, 0, f.Waiters())
	})

	t.Run("non_positive_after_is_immediate", func(t *testing.T) {
		f := NewFake(start)
		ch := f.After(0)
		assert.Len(t, ch, 1)
	})

	t.Run("block_until", func(t *testing.T) {
		f := NewFake(start)
		done := make(chan struct{})
		go func() {
			f.BlockUntil(1)
			close(done)
		}()
		f.After(time.Minute)
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("BlockUntil did not return")
		}
	})
}
