// Package dispatch delivers named engine events to audiences: a trip room,
// a driver, a user, or the ops broadcast.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type AudienceKind string

const (
	KindTrip   AudienceKind = "trip"
	KindDriver AudienceKind = "driver"
	KindUser   AudienceKind = "user"
	KindOps    AudienceKind = "ops"
)

type Audience struct {
	Kind AudienceKind
	ID   string
}

func Trip(id string) Audience   { return Audience{Kind: KindTrip, ID: id} }
func Driver(id string) Audience { return Audience{Kind: KindDriver, ID: id} }
func User(id string) Audience   { return Audience{Kind: KindUser, ID: id} }
func Ops() Audience             { return Audience{Kind: KindOps} }

func (a Audience) String() string {
	if a.Kind == KindOps {
		return string(KindOps)
	}
	return string(a.Kind) + ":" + a.ID
}

func ParseAudience(s string) (Audience, error) {
	if s == string(KindOps) {
		return Ops(), nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Audience{}, fmt.Errorf("invalid audience %q", s)
	}
	switch AudienceKind(kind) {
	case KindTrip, KindDriver, KindUser:
		return Audience{Kind: AudienceKind(kind), ID: id}, nil
	}
	return Audience{}, fmt.Errorf("invalid audience kind %q", kind)
}

// Event is the envelope every transport carries.
type Event struct {
	Name      string    `json:"event"`
	Audience  string    `json:"audience"`
	Payload   any       `json:"payload"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Emitter delivers one event to one audience. Delivery is best effort;
// an error never undoes the state change that produced the event.
type Emitter interface {
	Emit(ctx context.Context, to Audience, name string, payload any) error
}

// Fanout emits to every emitter and joins their errors.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, to Audience, name string, payload any) error {
	var errs []error
	for _, e := range f {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, to, name, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Emit(context.Context, Audience, string, any) error { return nil }

// Recorder keeps every emission in order. Used by tests and the admin
// debug endpoint.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, to Audience, name string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: name, Audience: to.String(), Payload: payload, EmittedAt: time.Now()})
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the emissions with the given event name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// To returns the emissions addressed to a.
func (r *Recorder) To(a Audience) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Audience == a.String() {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
