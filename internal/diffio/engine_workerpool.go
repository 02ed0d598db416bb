//go:build !giouring

// Default Diff I/O Engine submission backend: a fixed goroutine pool sized
// to GOMAXPROCS. Used whenever the build does not opt into the real
// io_uring path (build tag "giouring"), mirroring the teacher's own
// internal/uring/iouring_stub.go fallback for the same build tag.
package diffio

import "runtime"

func newPlatformSubmitter() submitFunc {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan func(), 4*workers)
	for i := 0; i < workers; i++ {
		go func() {
			for job := range jobs {
				job()
			}
		}()
	}

	return func(sub subRequest, done func(error)) {
		jobs <- func() {
			done(execSub(sub))
		}
	}
}
