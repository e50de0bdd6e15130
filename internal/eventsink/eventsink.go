// Package eventsink implements the gateway's sole observability emission,
// RequestEvent (spec §3), as a non-blocking batched sink modeled on the
// teacher's internal/logger.Logger: a buffered channel drained by one
// background goroutine, entries dropped (and counted) rather than ever
// blocking the request path.
//
// Unlike the teacher's logger, an event is write-once-then-updated: a
// streaming request emits its event with zero token counts before the
// stream finishes, then the same request_id's token fields are updated
// once the stream completes (spec §3 invariant 4). This package tracks
// in-flight events by request_id so Update can find them before they're
// flushed.
package eventsink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 200
	flushInterval = time.Second
)

// Status mirrors dispatcher.Status without importing it, keeping this
// package dependency-free of the request-handling layers it observes.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusInstanceFailure Status = "instance_failure"
	StatusBusinessError   Status = "business_error"
	StatusTimeout         Status = "timeout"
)

// Event is one RequestEvent record, per spec §3.
type Event struct {
	RequestID   uuid.UUID
	TimestampMs int64
	Date        string
	Hour        int
	APIKeyName  string
	Provider    string
	Instance    string
	Model       string
	Endpoint    string
	Status      Status
	ErrorType   string
	ErrorMessage string

	InputTokens         int
	OutputTokens        int
	TotalTokens         int
	CacheCreationTokens int
	CacheReadTokens     int
	DurationMs          int64
}

// NewEvent stamps an Event's request_id/timestamp/date/hour fields from
// now, for callers that don't already have a request_id.
func NewEvent(now time.Time) Event {
	return Event{
		RequestID:   uuid.New(),
		TimestampMs: now.UnixMilli(),
		Date:        now.UTC().Format("2006-01-02"),
		Hour:        now.UTC().Hour(),
	}
}

// TokenUpdate carries the fields a completed stream updates on its
// already-emitted Event, keyed by RequestID.
type TokenUpdate struct {
	RequestID           uuid.UUID
	InputTokens         int
	OutputTokens        int
	TotalTokens         int
	CacheCreationTokens int
	CacheReadTokens     int
}

// Sink receives Events (write side) and optional later TokenUpdates,
// flushing in batches on a background goroutine. Emit and Update never
// block; a full channel drops the entry and increments Dropped.
type Sink struct {
	ch       chan Event
	updateCh chan TokenUpdate
	done     chan struct{}
	closeOnce sync.Once
	wg       sync.WaitGroup

	dropped int64
	mu      sync.Mutex

	baseCtx context.Context
	log     *slog.Logger

	// pending holds events already sent this flush cycle but not yet
	// flushed, so an update arriving in the same window still lands.
	pending map[uuid.UUID]*Event

	// durable is an optional secondary sink (e.g. ClickHouse) each flushed
	// batch is also forwarded to. Nil-safe.
	durable Durable

	// metrics is optional; when set, every drop is also counted there so
	// the /metrics endpoint reflects sink backpressure. Nil-safe.
	metrics dropCounter
}

// dropCounter is the subset of metrics.Registry this package needs;
// declared locally to avoid importing internal/metrics.
type dropCounter interface {
	IncEventsinkDropped()
}

// Durable is implemented by optional long-term storage backends.
type Durable interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// New creates a Sink that logs each flushed event via slogger and,
// optionally, forwards batches to durable. met may be nil.
func New(ctx context.Context, slogger *slog.Logger, durable Durable, met dropCounter) *Sink {
	s := &Sink{
		ch:       make(chan Event, channelBuffer),
		updateCh: make(chan TokenUpdate, channelBuffer),
		done:     make(chan struct{}),
		baseCtx:  ctx,
		log:      slogger,
		pending:  make(map[uuid.UUID]*Event),
		durable:  durable,
		metrics:  met,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Emit records ev. Non-blocking: if the channel is full, ev is dropped and
// Dropped() increments.
func (s *Sink) Emit(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.incDropped()
	}
}

// Update applies a completed stream's token counts to its already-emitted
// event, identified by RequestID. Silently ignored if the event already
// flushed (best-effort, matching the teacher's non-blocking philosophy).
func (s *Sink) Update(u TokenUpdate) {
	select {
	case s.updateCh <- u:
	default:
		s.incDropped()
	}
}

func (s *Sink) incDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.IncEventsinkDropped()
	}
}

// Dropped returns the count of events/updates dropped due to a full
// channel.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the background flusher after draining what's already
// buffered.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, batchSize)

	applyUpdate := func(u TokenUpdate) {
		if ev, ok := s.pending[u.RequestID]; ok {
			ev.InputTokens = u.InputTokens
			ev.OutputTokens = u.OutputTokens
			ev.TotalTokens = u.TotalTokens
			ev.CacheCreationTokens = u.CacheCreationTokens
			ev.CacheReadTokens = u.CacheReadTokens
		}
	}

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		out := make([]Event, len(batch))
		for i, ev := range batch {
			out[i] = *ev
			delete(s.pending, ev.RequestID)
			s.log.InfoContext(ctx, "request_event",
				slog.String("request_id", ev.RequestID.String()),
				slog.String("provider", ev.Provider),
				slog.String("instance", ev.Instance),
				slog.String("model", ev.Model),
				slog.String("endpoint", ev.Endpoint),
				slog.String("status", string(ev.Status)),
				slog.Int("input_tokens", ev.InputTokens),
				slog.Int("output_tokens", ev.OutputTokens),
				slog.Int64("duration_ms", ev.DurationMs),
			)
		}
		if s.durable != nil {
			if err := s.durable.WriteBatch(ctx, out); err != nil {
				s.log.ErrorContext(ctx, "eventsink: durable write failed", slog.String("error", err.Error()))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.ch:
			e := ev
			s.pending[e.RequestID] = &e
			batch = append(batch, &e)
			if len(batch) >= batchSize {
				flush(s.baseCtx)
			}

		case u := <-s.updateCh:
			applyUpdate(u)

		case <-ticker.C:
			flush(s.baseCtx)

		case <-s.done:
			drain:
			for {
				select {
				case ev := <-s.ch:
					e := ev
					s.pending[e.RequestID] = &e
					batch = append(batch, &e)
				case u := <-s.updateCh:
					applyUpdate(u)
				default:
					break drain
				}
			}
			flush(s.baseCtx)
			return
		}
	}
}
