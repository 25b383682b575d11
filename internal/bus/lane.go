package bus

import (
	"errors"
	"sync"
	"time"
)

// laneIdleTimeout is how long a channel's worker lingers with no traffic
// before exiting. A fresh worker is started on the next submit.
const laneIdleTimeout = 5 * time.Minute

var errLanesStopped = errors.New("bus: lane manager stopped")

// laneTask is one unit of serialized work for a channel.
type laneTask struct {
	run  func()
	done chan struct{}
}

// lane serializes work for a single channel.
type lane struct {
	channel string
	queue   chan laneTask
}

// laneManager gives every channel its own FIFO worker so ingest on one
// channel is linearized while independent channels proceed concurrently.
type laneManager struct {
	mu          sync.Mutex
	lanes       map[string]*lane
	stopCh      chan struct{}
	stopOnce    sync.Once
	idleTimeout time.Duration
}

func newLaneManager() *laneManager {
	return &laneManager{
		lanes:       make(map[string]*lane),
		stopCh:      make(chan struct{}),
		idleTimeout: laneIdleTimeout,
	}
}

// submit runs fn on channel's lane and waits for it to finish. Calls for the
// same channel execute in submission order, one at a time.
func (m *laneManager) submit(channel string, fn func()) error {
	task := laneTask{run: fn, done: make(chan struct{})}

	m.mu.Lock()
	select {
	case <-m.stopCh:
		m.mu.Unlock()
		return errLanesStopped
	default:
	}
	l, ok := m.lanes[channel]
	if !ok {
		l = &lane{channel: channel, queue: make(chan laneTask, 100)}
		m.lanes[channel] = l
		go m.runWorker(l)
	}
	// Enqueue while still holding the lock. The worker's idle exit also
	// takes the lock and only removes the lane when the queue is empty,
	// so a task enqueued here is never stranded.
	select {
	case l.queue <- task:
		m.mu.Unlock()
	default:
		// Queue full. A full queue means the worker is busy draining it,
		// so it cannot reach the idle exit while we block here.
		m.mu.Unlock()
		select {
		case l.queue <- task:
		case <-m.stopCh:
			return errLanesStopped
		}
	}

	select {
	case <-task.done:
		return nil
	case <-m.stopCh:
		return errLanesStopped
	}
}

func (m *laneManager) runWorker(l *lane) {
	for {
		select {
		case task := <-l.queue:
			task.run()
			close(task.done)
		case <-time.After(m.idleTimeout):
			m.mu.Lock()
			// Re-check under the lock: a task may have raced in.
			if len(l.queue) == 0 {
				delete(m.lanes, l.channel)
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

func (m *laneManager) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
