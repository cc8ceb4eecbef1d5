// Package emitter is the dispatch bus between the ingest loop and registered
// bot handlers. Topics are a fixed enumerated set; handlers for a topic run
// concurrently on a bounded pool, and a failing handler is converted into an
// ErrorEvent on the reserved "error" topic instead of taking the process down.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

// Topic is a named dispatch channel.
type Topic string

const (
	// TopicChat fires for every inbound event regardless of origin.
	TopicChat Topic = "chat"
	// TopicMessage fires for events with origin MSG.
	TopicMessage Topic = "message"
	// TopicNewMember fires for events with origin NEWMEM.
	TopicNewMember Topic = "new_member"
	// TopicDelMember fires for events with origin DELMEM.
	TopicDelMember Topic = "del_member"
	// TopicError carries ErrorEvents synthesized from failing handlers.
	TopicError Topic = "error"
)

var topics = map[Topic]bool{
	TopicChat:      true,
	TopicMessage:   true,
	TopicNewMember: true,
	TopicDelMember: true,
	TopicError:     true,
}

// ParseTopic normalizes a topic name (registration and emission are
// case-insensitive) and reports whether it is a known topic.
func ParseTopic(name string) (Topic, bool) {
	t := Topic(strings.ToLower(name))
	return t, topics[t]
}

// Handler reacts to one event. A non-nil error, or a panic, counts as a
// handler failure and produces exactly one ErrorEvent.
type Handler func(ev any) error

// ErrorEvent describes a handler failure. It is dispatched like any other
// event, under TopicError.
type ErrorEvent struct {
	Topic   Topic  // topic the failing handler was registered on
	Handler string // function name of the failing handler
	Err     error  // the returned error, or the recovered panic value
	Event   any    // the event the handler was invoked with
}

// DefaultMaxWorkers bounds handler concurrency when no explicit limit is given.
const DefaultMaxWorkers = 8

// Emitter routes events to registered handlers. Registration is append-only
// and order-preserving per topic; dispatch submission preserves registration
// order but execution order is not guaranteed once handed to the pool.
type Emitter struct {
	log *slog.Logger
	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.RWMutex
	handlers map[Topic][]Handler
}

// New creates an Emitter running at most maxWorkers handlers concurrently.
// Values < 1 fall back to DefaultMaxWorkers.
func New(log *slog.Logger, maxWorkers int) *Emitter {
	if maxWorkers < 1 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Emitter{
		log:      log,
		sem:      make(chan struct{}, maxWorkers),
		handlers: make(map[Topic][]Handler),
	}
}

// Register appends a handler to a topic's ordered list. Unknown topics are
// rejected here so a typo fails at wiring time, not silently at dispatch time.
func (e *Emitter) Register(name string, h Handler) error {
	topic, ok := ParseTopic(name)
	if !ok {
		return fmt.Errorf("emitter: unknown topic %q", name)
	}
	e.mu.Lock()
	e.handlers[topic] = append(e.handlers[topic], h)
	e.mu.Unlock()
	return nil
}

// HandlerCount reports how many handlers are registered for a topic.
func (e *Emitter) HandlerCount(name string) int {
	topic, _ := ParseTopic(name)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[topic])
}

// Emit schedules every handler registered for the topic as an independent
// unit of work and returns immediately; it never blocks on handler execution.
func (e *Emitter) Emit(name string, ev any) {
	topic, ok := ParseTopic(name)
	if !ok {
		e.log.Warn("dropping emit for unknown topic", "topic", name)
		return
	}

	e.mu.RLock()
	hs := e.handlers[topic]
	e.mu.RUnlock()

	for _, h := range hs {
		e.wg.Add(1)
		go func(h Handler) {
			defer e.wg.Done()
			e.sem <- struct{}{}
			defer func() { <-e.sem }()
			e.invoke(topic, h, ev)
		}(h)
	}
}

// invoke runs one handler and converts its failure into an ErrorEvent. A
// failing handler on TopicError is only logged, which terminates the
// recursion: an error handler that errors cannot spawn a new error event.
func (e *Emitter) invoke(topic Topic, h Handler, ev any) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h(ev)
	}()
	if err == nil {
		return
	}

	name := handlerName(h)
	if topic == TopicError {
		e.log.Error("error handler failed", "handler", name, "error", err)
		return
	}

	e.log.Warn("handler failed", "topic", string(topic), "handler", name, "error", err)
	e.Emit(string(TopicError), &ErrorEvent{
		Topic:   topic,
		Handler: name,
		Err:     err,
		Event:   ev,
	})
}

// Drain blocks until all in-flight handlers finish or ctx expires. Dispatch
// is otherwise fire-and-forget: callers that skip Drain get no guarantee that
// outstanding handlers complete before process exit.
func (e *Emitter) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func handlerName(h Handler) string {
	pc := reflect.ValueOf(h).Pointer()
	if fn := runtime.FuncForPC(pc); fn != nil {
		return fn.Name()
	}
	return "unknown"
}
