package workers

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/thrillee/smsrouter/internal/store"
)

// WorkerFunc defines the function signature for work performed by a worker loop.
// It returns the number of items processed and any critical error encountered.
type WorkerFunc func(ctx context.Context, batchSize int) (int, error)

// RunWorkerLoop runs workerFunc every interval until ctx is done. The first
// run happens immediately.
func RunWorkerLoop(ctx context.Context, name string, interval, runTimeout time.Duration, batchSize int, workerFunc WorkerFunc) {
	logger := slog.With(slog.String("worker", name))
	logger.InfoContext(ctx, "Worker loop starting", slog.Duration("interval", interval), slog.Int("batch_size", batchSize))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runWork(ctx, logger, runTimeout, batchSize, workerFunc)
	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "Worker loop stopping")
			return
		case <-ticker.C:
			runWork(ctx, logger, runTimeout, batchSize, workerFunc)
		}
	}
}

// runWork executes a single batch of work with a timeout.
func runWork(ctx context.Context, logger *slog.Logger, runTimeout time.Duration, batchSize int, workerFunc WorkerFunc) {
	if runTimeout <= 0 {
		runTimeout = time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "Panic in worker run", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()

	processedCount, err := workerFunc(runCtx, batchSize)
	switch {
	case err != nil && !errors.Is(err, store.ErrNoMessage):
		logger.ErrorContext(ctx, "Worker run failed", slog.Any("error", err))
	case processedCount > 0:
		logger.InfoContext(ctx, "Worker run processed items", slog.Int("count", processedCount))
	}
}
