package dispatch

import (
	"sync"

	"github.com/nerrad567/fleetbus/internal/broker"
)

// lanes runs deliveries for the same key one at a time in submission order,
// and deliveries for different keys concurrently. A lane's goroutine exits
// once its queue is empty.
type lanes struct {
	wg      *sync.WaitGroup
	process func(broker.Delivery)

	mu     sync.Mutex
	queued map[string][]broker.Delivery
}

func newLanes(wg *sync.WaitGroup, process func(broker.Delivery)) *lanes {
	return &lanes{
		wg:      wg,
		process: process,
		queued:  make(map[string][]broker.Delivery),
	}
}

func (l *lanes) submit(key string, d broker.Delivery) {
	l.mu.Lock()
	q, running := l.queued[key]
	l.queued[key] = append(q, d)
	l.mu.Unlock()
	if running {
		return
	}

	l.wg.Add(1)
	go l.drain(key)
}

func (l *lanes) drain(key string) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		q := l.queued[key]
		if len(q) == 0 {
			delete(l.queued, key)
			l.mu.Unlock()
			return
		}
		next := q[0]
		l.queued[key] = q[1:]
		l.mu.Unlock()

		l.process(next)
	}
}
