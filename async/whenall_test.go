package async

import (
	"io"
	"log/slog"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestWhenAllResolvesInInputOrder(t *testing.T) {
	const n = 5

	promises := make([]*Promise[int], n)
	resolvers := make([]*Resolver[int], n)
	for i := range promises {
		promises[i], resolvers[i] = NewWithLogger[int](discardLogger())
	}

	agg := WhenAll(promises...)

	// Settle out of order.
	for _, i := range []int{3, 0, 4, 1} {
		require.NoError(t, resolvers[i].Resolve(i*10))
		assert.False(t, agg.Settled(), "aggregate settled before all inputs")
	}
	require.NoError(t, resolvers[2].Resolve(20))

	values, err, ok := agg.Result()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 10, 20, 30, 40}, values)
}

func TestWhenAllRejectsWithFirstRejection(t *testing.T) {
	promises := make([]*Promise[int], 3)
	resolvers := make([]*Resolver[int], 3)
	for i := range promises {
		promises[i], resolvers[i] = NewWithLogger[int](discardLogger())
	}

	agg := WhenAll(promises...)

	first := errors.New("first failure")
	require.NoError(t, resolvers[1].Reject(first))

	_, err, ok := agg.Result()
	require.True(t, ok)
	assert.Equal(t, first, err)

	// Stragglers still settle without disturbing the aggregate.
	require.NoError(t, resolvers[0].Resolve(1))
	require.NoError(t, resolvers[2].Reject(errors.New("second failure")))

	_, err, _ = agg.Result()
	assert.Equal(t, first, err)
}

func TestWhenAllEmpty(t *testing.T) {
	agg := WhenAll[int]()

	values, err, ok := agg.Result()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Empty(t, values)
}
