package util

import "github.com/sourcegraph/conc"

// ParallelTask is one unit of a forked computation.
// It receives its own index and the total number of tasks.
type ParallelTask func(taskNum, taskCount int)

// Fork runs task on workers goroutines and waits for all of them to finish.
// A panic in any task is re-raised in the caller after all tasks returned.
// workers < 1 is treated as 1; a single worker runs on the calling goroutine.
func Fork(workers int, task ParallelTask) {
	if workers <= 1 {
		task(0, 1)
		return
	}

	var wg conc.WaitGroup
	for i := 0; i < workers; i++ {
		taskNum := i
		wg.Go(func() {
			task(taskNum, workers)
		})
	}
	wg.Wait()
}
