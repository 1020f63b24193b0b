package utils

import (
	"runtime"
	"sync"
)

// minRowsPerWorker keeps small images on the calling goroutine.
const minRowsPerWorker = 64

// ParallelRows calls fn over disjoint [start, end) row ranges covering
// [0, rows). Ranges never overlap, so fn may write its rows of a shared
// destination without locking. It returns when every range is done.
func ParallelRows(rows int, fn func(start, end int)) {
	if rows <= 0 {
		return
	}
	workers := runtime.GOMAXPROCS(0)
	if n := rows / minRowsPerWorker; n < workers {
		workers = n
	}
	if workers <= 1 {
		fn(0, rows)
		return
	}
	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < rows; start += chunk {
		end := start + chunk
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
