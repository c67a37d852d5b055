package async

import "sync"

// WhenAll aggregates promises into one promise over all their results.
//
// The aggregate resolves with the values in input index order once
// every input resolves. It rejects with the first observed rejection;
// continuations stay attached to the remaining inputs, so stragglers
// still reach a terminal state and no callback is left dangling.
// WhenAll over no promises resolves immediately with an empty slice.
func WhenAll[T any](promises ...*Promise[T]) *Promise[[]T] {
	agg, resolver := New[[]T]()

	n := len(promises)
	if n == 0 {
		_ = resolver.Resolve([]T{})
		return agg
	}

	var (
		mu        sync.Mutex
		results   = make([]T, n)
		remaining = n
	)

	for i, p := range promises {
		p.Then(func(v T) {
			mu.Lock()
			results[i] = v
			remaining--
			settled := remaining == 0
			mu.Unlock()

			if settled {
				// No-op if a rejection already settled the aggregate.
				_ = resolver.Resolve(results)
			}
		}, func(err error) {
			mu.Lock()
			remaining--
			mu.Unlock()

			_ = resolver.Reject(err)
		})
	}

	return agg
}
