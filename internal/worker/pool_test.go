package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEach_CollectsPerItemErrors(t *testing.T) {
	boom := errors.New("boom")
	for _, p := range []*Pool{nil, NewPool(3)} {
		var ran int32
		errs := p.Each(context.Background(), 5, func(_ context.Context, i int) error {
			atomic.AddInt32(&ran, 1)
			if i%2 == 1 {
				return boom
			}
			return nil
		})
		assert.Equal(t, int32(5), ran)
		assert.Equal(t, []error{nil, boom, nil, boom, nil}, errs)
	}
}

func TestEach_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var inFlight, peak int32
	p.Each(context.Background(), 8, func(context.Context, int) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	})
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestEach_CanceledContextSkipsItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errs := NewPool(2).Each(ctx, 3, func(context.Context, int) error {
		t.Fatal("should not run")
		return nil
	})
	for _, err := range errs {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
