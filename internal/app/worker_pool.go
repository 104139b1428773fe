package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// WorkerPool gère un pool de workers de téléchargement ajustable à chaud
// (Settings.MaxConcurrentDownloads). Un worker arrêté via SetCount termine
// d'abord la tâche en cours.
type WorkerPool struct {
	parent context.Context

	logger zerolog.Logger
	work   func(ctx context.Context, logger zerolog.Logger)

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorkerPool: work est la boucle d'un worker; elle doit rendre la main à l'annulation de ctx.
func NewWorkerPool(parent context.Context, logger zerolog.Logger, work func(ctx context.Context, logger zerolog.Logger)) *WorkerPool {
	if parent == nil {
		parent = context.Background()
	}
	return &WorkerPool{parent: parent, logger: logger, work: work}
}

func (p *WorkerPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

func (p *WorkerPool) SetCount(n int) {
	if n <= 0 {
		n = 1
	}

	p.mu.Lock()
	current := len(p.cancels)

	if n == current {
		p.mu.Unlock()
		return
	}

	if n > current {
		for i := current; i < n; i++ {
			ctx, cancel := context.WithCancel(p.parent)
			p.cancels = append(p.cancels, cancel)
			logger := p.logger.With().Int("worker", i+1).Logger()
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.work(ctx, logger)
			}()
		}
		p.mu.Unlock()
		return
	}

	// n < current : stoppe les derniers workers
	toStop := append([]context.CancelFunc(nil), p.cancels[n:]...)
	p.cancels = p.cancels[:n]
	p.mu.Unlock()

	for _, cancel := range toStop {
		cancel()
	}
}

func (p *WorkerPool) Close() {
	p.mu.Lock()
	toStop := append([]context.CancelFunc(nil), p.cancels...)
	p.cancels = nil
	p.mu.Unlock()

	for _, cancel := range toStop {
		cancel()
	}
	p.wg.Wait()
}
