// Package parallel splits index ranges across goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Parallelize splits [0, items) into contiguous chunks, one per CPU core, and
// calls fn(start, end) for each chunk concurrently. It returns when all chunks
// finish. A panic in any chunk is re-raised in the caller's goroutine once all
// chunks are done, so a deferred recover around Parallelize sees it.
func Parallelize(items int, fn func(start, end int)) {
	ParallelizeWorkers(items, runtime.NumCPU(), fn)
}

// ParallelizeWorkers is Parallelize with an explicit worker count.
// workers <= 0 means one per CPU core.
func ParallelizeWorkers(items, workers int, fn func(start, end int)) {
	if items <= 0 {
		return
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > items {
		workers = items
	}
	if workers == 1 {
		fn(0, items)
		return
	}

	chunkSize := (items + workers - 1) / workers

	var (
		wg       sync.WaitGroup
		once     sync.Once
		panicked interface{}
	)
	for start := 0; start < items; start += chunkSize {
		end := start + chunkSize
		if end > items {
			end = items
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					once.Do(func() { panicked = r })
				}
			}()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
	if panicked != nil {
		panic(panicked)
	}
}
