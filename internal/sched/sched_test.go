package sched

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncRunsTasks(t *testing.T) {
	q := NewAsync(zerolog.Nop())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue("count", func(ctx context.Context) {
			ran.Add(1)
		}))
	}
	q.Wait()
	assert.Equal(t, int32(5), ran.Load())
}

func TestAsyncRefusesAfterClose(t *testing.T) {
	q := NewAsync(zerolog.Nop())
	q.Close()
	err := q.Enqueue("late", func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunFallsBackInline(t *testing.T) {
	var ran bool
	task := func(ctx context.Context) { ran = true }

	t.Run("nil queue", func(t *testing.T) {
		ran = false
		Run(context.Background(), nil, zerolog.Nop(), "t", task)
		assert.True(t, ran)
	})

	t.Run("closed queue", func(t *testing.T) {
		ran = false
		q := NewAsync(zerolog.Nop())
		q.Close()
		Run(context.Background(), q, zerolog.Nop(), "t", task)
		assert.True(t, ran, "refused enqueue must run inline")
	})
}

func TestRunPrefersQueue(t *testing.T) {
	q := NewAsync(zerolog.Nop())
	var ran atomic.Bool
	Run(context.Background(), q, zerolog.Nop(), "t", func(ctx context.Context) {
		ran.Store(true)
	})
	q.Wait()
	assert.True(t, ran.Load())
}
