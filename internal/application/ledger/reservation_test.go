package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefunder struct {
	mu      sync.Mutex
	calls   int
	lastErr error
}

func (f *fakeRefunder) Refund(_ context.Context, _ string, amount int64, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.lastErr != nil {
		return 0, f.lastErr
	}
	return amount, nil
}

func TestReservationConfirmOnce(t *testing.T) {
	res := NewReservation(&fakeRefunder{}, "acc-1", 10)

	require.NoError(t, res.Confirm())
	assert.ErrorIs(t, res.Confirm(), ErrAlreadySettled)
	assert.True(t, res.Settled())
}

func TestReservationRefundOnce(t *testing.T) {
	f := &fakeRefunder{}
	res := NewReservation(f, "acc-1", 10)

	require.NoError(t, res.Refund(context.Background(), "failed"))
	assert.ErrorIs(t, res.Refund(context.Background(), "again"), ErrAlreadySettled)
	assert.Equal(t, 1, f.calls)
}

func TestReservationRefundFailureAllowsRetry(t *testing.T) {
	f := &fakeRefunder{lastErr: errors.New("db down")}
	res := NewReservation(f, "acc-1", 10)

	assert.Error(t, res.Refund(context.Background(), "failed"))
	assert.False(t, res.Settled())

	f.mu.Lock()
	f.lastErr = nil
	f.mu.Unlock()

	require.NoError(t, res.Refund(context.Background(), "failed"))
	assert.True(t, res.Settled())
	assert.Equal(t, 2, f.calls)
}

func TestReservationConcurrentSettle(t *testing.T) {
	f := &fakeRefunder{}
	res := NewReservation(f, "acc-1", 10)

	var wg sync.WaitGroup
	var confirmed, refunded int
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = res.Confirm()
			} else {
				err = res.Refund(context.Background(), "race")
			}
			if err == nil {
				mu.Lock()
				if i%2 == 0 {
					confirmed++
				} else {
					refunded++
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// 只有一条路径胜出
	assert.Equal(t, 1, confirmed+refunded)
	assert.LessOrEqual(t, f.calls, 1)
}
