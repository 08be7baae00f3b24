package plume

import "golang.org/x/sync/errgroup"

// task runs fn over data in parallel, one contiguous chunk per worker.
func task[T any](workersCount int, data []T, fn func(data T)) {
	taskIndexed(workersCount, data, func(_ int, data T) {
		fn(data)
	})
}

func taskIndexed[T any](workersCount int, data []T, fn func(i int, data T)) {
	var g errgroup.Group
	dataSize := len(data)
	chunkSize := (dataSize + workersCount - 1) / workersCount

	for workerID := 0; workerID < workersCount; workerID++ {
		start, end := workerID*chunkSize, min((workerID+1)*chunkSize, dataSize)
		g.Go(func() error {
			for i := start; i < end; i++ {
				fn(i, data[i])
			}
			return nil
		})
	}
	g.Wait()
}
