// Package progress delivers driver progress events to sinks without ever
// blocking the driver.
package progress

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-form-autofill/models"
)

var (
	// ErrReporterCloseTimeout is returned when pending events could not be delivered in time.
	ErrReporterCloseTimeout = errors.New("progress: close timed out")
)

// drainTimeout bounds how long Close waits for queued events.
var drainTimeout = 5 * time.Second

// Sink receives batches of events in emission order.
type Sink interface {
	Write(events []models.ProgressEvent) error
	Close() error
}

// Reporter queues events in a bounded buffer and hands them to one worker, so
// global order is preserved and Emit never waits on the sink.
type Reporter struct {
	sink      Sink
	eventCh   chan models.ProgressEvent
	batchSize int

	wg sync.WaitGroup

	metrics metrics

	mu      sync.Mutex // guards closed/started
	closed  bool
	started bool

	closeOnce sync.Once
	closeErr  error
}

// NewReporter builds a reporter. buffer bounds queued events; batch bounds one sink write.
func NewReporter(sink Sink, buffer, batch int) *Reporter {
	if buffer <= 0 {
		buffer = 256
	}
	if batch <= 0 {
		batch = 1
	}
	return &Reporter{
		sink:      sink,
		eventCh:   make(chan models.ProgressEvent, buffer),
		batchSize: batch,
	}
}

// Start launches the delivery worker. Calling it twice has no effect.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.started {
		return
	}
	r.started = true
	r.wg.Add(1)
	go r.worker()
}

// Emit queues ev. A full or closed reporter drops the event and counts it.
func (r *Reporter) Emit(ev models.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.metrics.addDropped()
		return
	}
	select {
	case r.eventCh <- ev:
		r.metrics.addEmitted()
	default:
		r.metrics.addDropped()
	}
}

// Close stops accepting events, waits for queued ones and closes the sink.
func (r *Reporter) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		started := r.started
		close(r.eventCh)
		r.mu.Unlock()

		if !started {
			r.closeErr = r.sink.Close()
			return
		}

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			r.closeErr = r.sink.Close()
		case <-time.After(drainTimeout):
			r.closeErr = ErrReporterCloseTimeout
		}
	})
	return r.closeErr
}

// GetMetrics returns a snapshot of the internal counters.
func (r *Reporter) GetMetrics() map[string]interface{} {
	return r.metrics.snapshot()
}

func (r *Reporter) worker() {
	defer r.wg.Done()

	batch := make([]models.ProgressEvent, 0, r.batchSize)
	for ev := range r.eventCh {
		batch = append(batch[:0], ev)
	fill:
		for len(batch) < r.batchSize {
			select {
			case next, ok := <-r.eventCh:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		r.flush(batch)
	}
}

func (r *Reporter) flush(batch []models.ProgressEvent) {
	if err := r.sink.Write(batch); err != nil {
		r.metrics.addSinkError()
		slog.Warn("Progress sink write failed", slog.Int("events", len(batch)), slog.Any("error", err))
		return
	}
	r.metrics.addDelivered(len(batch))
}

type metrics struct {
	mu         sync.Mutex
	emitted    int64
	delivered  int64
	dropped    int64
	sinkErrors int64
}

func (m *metrics) addEmitted() {
	m.mu.Lock()
	m.emitted++
	m.mu.Unlock()
}

func (m *metrics) addDelivered(n int) {
	m.mu.Lock()
	m.delivered += int64(n)
	m.mu.Unlock()
}

func (m *metrics) addDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

func (m *metrics) addSinkError() {
	m.mu.Lock()
	m.sinkErrors++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]interface{}{
		"emitted":     m.emitted,
		"delivered":   m.delivered,
		"dropped":     m.dropped,
		"sink_errors": m.sinkErrors,
	}
}
