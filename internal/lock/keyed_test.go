package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyed_SerializesSameKey(t *testing.T) {
	k := NewKeyed()

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.With("client-1:AAPL", func() error {
				cur := atomic.AddInt64(&counter, 1)
				time.Sleep(time.Microsecond)
				assert.Equal(t, cur, atomic.LoadInt64(&counter))
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), counter)
}

func TestKeyed_DifferentKeysDontBlock(t *testing.T) {
	k := NewKeyed()
	done := make(chan struct{})

	k.With("client-1:AAPL", func() error {
		go func() {
			k.With("client-2:MSFT", func() error {
				close(done)
				return nil
			})
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("different key should not block")
		}
		return nil
	})
}

func TestDistributedKeyed_NilClientFallsBackToLocal(t *testing.T) {
	d := NewDistributedKeyed(nil, "gate:lock:", time.Second)

	err := d.With(context.Background(), "client-1:AAPL", func() error {
		return nil
	})
	assert.NoError(t, err)
}
