package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Filter determines if an event should be delivered.
type Filter func(event Event) bool

// Config configures a Publisher.
type Config struct {
	// Async delivers events from a dedicated goroutine instead of the
	// publishing goroutine. Ordering is preserved either way.
	Async bool

	// BufferSize is the event buffer size in async mode.
	BufferSize int
}

// Publisher fans progress events out to subscribers. It implements Observer so
// it can be handed to a run directly.
type Publisher struct {
	config      Config
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []Filter
	runID       string
	wg          sync.WaitGroup
	mu          sync.RWMutex

	// closeMu guards closed and the buffer send; it is separate from mu so
	// the delivery goroutine never contends with Shutdown.
	closeMu sync.RWMutex
	closed  bool
}

type subscriberEntry struct {
	observer Observer
	filter   Filter
}

// NewPublisher creates a publisher. runID, when set, is stamped on every event.
func NewPublisher(cfg Config, runID string) *Publisher {
	p := &Publisher{config: cfg, runID: runID}
	if cfg.Async {
		if cfg.BufferSize <= 0 {
			cfg.BufferSize = 256
			p.config = cfg
		}
		p.buffer = make(chan Event, cfg.BufferSize)
		p.wg.Add(1)
		go p.processEvents()
	}
	return p
}

// OnProgress publishes an event to all subscribers.
func (p *Publisher) OnProgress(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RunID == "" {
		event.RunID = p.runID
	}

	p.mu.RLock()
	for _, filter := range p.filters {
		if !filter(event) {
			p.mu.RUnlock()
			return
		}
	}
	p.mu.RUnlock()

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return
	}
	if p.config.Async {
		p.buffer <- event
		return
	}
	p.deliverEvent(event)
}

// Subscribe registers an observer. filter may be nil.
func (p *Publisher) Subscribe(observer Observer, filter Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, subscriberEntry{observer: observer, filter: filter})
}

// AddFilter adds a filter applied to every event before delivery.
func (p *Publisher) AddFilter(filter Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, filter)
}

func (p *Publisher) processEvents() {
	defer p.wg.Done()
	for event := range p.buffer {
		p.deliverEvent(event)
	}
}

// deliverEvent calls subscribers one after the other so that every
// subscriber observes events in publication order.
func (p *Publisher) deliverEvent(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, entry := range p.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.observer.OnProgress(event)
	}
}

// Shutdown stops accepting events and waits for buffered events to be delivered.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	if p.config.Async {
		close(p.buffer)
	}
	p.closeMu.Unlock()

	if !p.config.Async {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...EventType) Filter {
	typeSet := make(map[EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByStack creates a filter that only allows events for a specific stack.
func FilterByStack(stack string) Filter {
	return func(event Event) bool {
		return event.StackName == stack
	}
}

// FilterErrors creates a filter that only allows LOG lines read from standard error.
func FilterErrors() Filter {
	return func(event Event) bool {
		return event.Type == EventLog && event.IsError
	}
}

// Recorder is an Observer that keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// OnProgress records the event.
func (r *Recorder) OnProgress(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
