package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/joescharf/conductor/internal/plan"
)

// EventType discriminates Event.
type EventType string

const (
	EventOutput       EventType = "output"
	EventStatusChange EventType = "status_change"
	EventExit         EventType = "exit"
	EventError        EventType = "error"
)

// Event is one immutable entry of a session's log. Seq is 1-based and gives
// the append order.
type Event struct {
	Seq     int        `json:"seq"`
	Type    EventType  `json:"type"`
	Time    time.Time  `json:"time"`
	Data    string     `json:"data,omitempty"`
	Status  Status     `json:"status,omitempty"`
	Phase   string     `json:"phase,omitempty"`
	Plan    *plan.Plan `json:"plan,omitempty"`
	Code    *int       `json:"code,omitempty"`
	Message string     `json:"message,omitempty"`
}

func outputEvent(data string) Event { return Event{Type: EventOutput, Data: data} }

func statusEvent(status Status, phase string, p *plan.Plan) Event {
	return Event{Type: EventStatusChange, Status: status, Phase: phase, Plan: p}
}

func exitEvent(code int) Event { return Event{Type: EventExit, Code: &code} }

func errorEvent(msg string) Event { return Event{Type: EventError, Message: msg} }

// appendLocked adds ev to the log and wakes every waiting subscriber.
// Callers hold st.mu.
func (st *state) appendLocked(ev Event, now time.Time) Event {
	ev.Seq = len(st.events) + 1
	ev.Time = now
	st.events = append(st.events, ev)
	st.info.UpdatedAt = now
	close(st.changed)
	st.changed = make(chan struct{})
	return ev
}

// Subscription replays a session's log from the start and then follows it.
// Each subscriber reads every event exactly once, in append order. After an
// exit event the subscription stays open for the linger period to pick up
// trailing events, then ends.
type Subscription struct {
	st     *state
	linger time.Duration

	next     int
	deadline time.Time

	once sync.Once
	done chan struct{}
}

func newSubscription(st *state, linger time.Duration) *Subscription {
	return &Subscription{st: st, linger: linger, done: make(chan struct{})}
}

// Next blocks until the next event is available. It returns io.EOF once the
// stream has ended or the subscription was closed, and ctx.Err() when ctx is
// done first.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case <-s.done:
			return Event{}, io.EOF
		default:
		}

		s.st.mu.Lock()
		if s.next < len(s.st.events) {
			ev := s.st.events[s.next]
			s.next++
			if ev.Type == EventExit && s.deadline.IsZero() {
				s.deadline = time.Now().Add(s.linger)
			}
			s.st.mu.Unlock()
			return ev, nil
		}
		changed := s.st.changed
		s.st.mu.Unlock()

		var timer *time.Timer
		var expire <-chan time.Time
		if !s.deadline.IsZero() {
			wait := time.Until(s.deadline)
			if wait <= 0 {
				s.Close()
				return Event{}, io.EOF
			}
			timer = time.NewTimer(wait)
			expire = timer.C
		}

		err := s.wait(ctx, changed, expire)
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return Event{}, err
		}
	}
}

// wait returns nil when the log changed, and the terminal error otherwise.
func (s *Subscription) wait(ctx context.Context, changed <-chan struct{}, expire <-chan time.Time) error {
	select {
	case <-changed:
		return nil
	case <-expire:
		s.Close()
		return io.EOF
	case <-s.done:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events adapts the subscription to a channel that is closed when the
// stream ends, ctx is done, or Close is called.
func (s *Subscription) Events(ctx context.Context) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
	return ch
}

// Close detaches the subscriber. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
}
