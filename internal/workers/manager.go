package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Loop describes one periodic background job.
type Loop struct {
	Name      string
	Interval  time.Duration
	Timeout   time.Duration
	BatchSize int
	Run       WorkerFunc
}

// Manager orchestrates the background worker loops.
type Manager struct {
	loops []Loop
	wg    sync.WaitGroup
}

func NewManager(loops ...Loop) *Manager {
	return &Manager{loops: loops}
}

// Start launches every loop. They stop when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	slog.InfoContext(ctx, "Starting background workers", slog.Int("count", len(m.loops)))
	for _, l := range m.loops {
		m.wg.Add(1)
		go func(l Loop) {
			defer m.wg.Done()
			RunWorkerLoop(ctx, l.Name, l.Interval, l.Timeout, l.BatchSize, l.Run)
		}(l)
	}
}

// Wait blocks until every loop has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
