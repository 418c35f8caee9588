package parallel

import "sync"

// ForEach executes a for loop with a limited number of concurrent goroutines.
// Each goroutine processes one integer, from 0 to length. A panic in body is
// re-raised on the calling goroutine once every iteration has finished.
func ForEach(length, limit int, body func(i int)) {
	if limit <= 0 {
		limit = 1
	}
	if length <= 0 {
		return
	}
	if length == 1 || limit == 1 {
		for i := 0; i < length; i++ {
			body(i)
		}
		return
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(length)

	var once sync.Once
	var recovered interface{}

	for i := 0; i < length; i++ {
		sem <- struct{}{} // Acquire semaphore
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					once.Do(func() { recovered = r })
				}
			}()

			body(i)
		}(i)
	}

	wg.Wait()
	if recovered != nil {
		panic(recovered)
	}
}

// Shards splits n items into at most parts contiguous [start, end) ranges of
// near-equal size, in order. Empty ranges are never returned.
func Shards(n, parts int) [][2]int {
	if n <= 0 {
		return nil
	}
	if parts <= 0 {
		parts = 1
	}
	if parts > n {
		parts = n
	}
	out := make([][2]int, parts)
	base, extra := n/parts, n%parts
	start := 0
	for p := 0; p < parts; p++ {
		size := base
		if p < extra {
			size++
		}
		out[p] = [2]int{start, start + size}
		start += size
	}
	return out
}
