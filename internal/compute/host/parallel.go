package host

import (
	"fmt"
	"runtime"

	"github.com/cwbudde/siftcl/internal/compute"
	"golang.org/x/sync/errgroup"
)

const minChunk = 8

// parallelFor splits [0, n) into contiguous chunks and runs fn on them
// concurrently. Each index is owned by exactly one chunk, so kernels that
// write only to their own indices stay deterministic.
func parallelFor(c *Call, n int, fn func(lo, hi int)) error {
	if n <= 0 {
		return nil
	}
	workers := runtime.GOMAXPROCS(0)
	chunk := max((n+workers-1)/workers, minChunk)

	var g errgroup.Group
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", compute.NewStatusError(c.Kernel, compute.StatusOutOfResources), r)
				}
			}()
			fn(lo, hi)
			return nil
		})
	}
	return g.Wait()
}
