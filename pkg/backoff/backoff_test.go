package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Retries(t *testing.T) {
	boff := New(2, time.Millisecond, time.Millisecond*10)

	ctx := context.Background()
	assert.True(t, boff.Wait(ctx))
	assert.True(t, boff.Wait(ctx))
	assert.True(t, boff.Wait(ctx))
	// Retries exhausted.
	assert.False(t, boff.Wait(ctx))
}

func TestBackoff_Cancel(t *testing.T) {
	boff := New(0, time.Second*30, time.Second*30)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, boff.Wait(ctx))
}

func TestBackoff_CappedWait(t *testing.T) {
	boff := New(0, time.Millisecond, time.Millisecond*4)

	for i := 0; i != 10; i++ {
		wait := boff.nextWait()
		boff.lastBackoff = wait
		// Bounded by the maximum plus jitter.
		assert.Less(t, wait, time.Millisecond*5)
	}
}
