// Package history keeps an append-only, versioned record of changes made to
// profiles.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"profilevault.org/internal/ids"
	"profilevault.org/internal/obs"
)

var (
	ErrConflict     = errors.New("history: version already recorded")
	ErrInvalidInput = errors.New("history: invalid input")
)

// Action is the kind of change an entry records.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionClone  Action = "clone"
	ActionSync   Action = "sync"
	ActionShare  Action = "share"
)

func (a Action) valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionClone, ActionSync, ActionShare:
		return true
	}
	return false
}

// Entry is one recorded version of a profile.
type Entry struct {
	ID        string         `json:"id"`
	ProfileID string         `json:"profileId"`
	Version   int            `json:"version"`
	Snapshot  map[string]any `json:"snapshot"`
	Action    Action         `json:"action"`
	CreatedBy string         `json:"createdBy"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store persists entries. Append fails with ErrConflict when the
// (profile, version) pair already exists.
type Store interface {
	Count(ctx context.Context, profileID string) (int, error)
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, profileID string) ([]Entry, error)
}

// Publisher forwards recorded entries to other systems.
type Publisher interface {
	Publish(ctx context.Context, e Entry) error
}

// Fields that never go into a snapshot: the record identity and the
// encrypted sync payload.
var internalFields = []string{"id", "cloudSync"}

// Recorder numbers and stores entries. Callers serialize Record per profile;
// the store's uniqueness check catches anything that slips through.
type Recorder struct {
	store     Store
	publisher Publisher
	now       func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithPublisher forwards every stored entry to p.
func WithPublisher(p Publisher) Option {
	return func(r *Recorder) { r.publisher = p }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stores a snapshot of subject as the next version of profileID.
func (r *Recorder) Record(ctx context.Context, profileID string, subject any, action Action, actorID string, metadata map[string]any) (*Entry, error) {
	if profileID == "" || actorID == "" {
		return nil, fmt.Errorf("%w: profile and actor are required", ErrInvalidInput)
	}
	if !action.valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}
	snapshot, err := Snapshot(subject)
	if err != nil {
		return nil, err
	}
	count, err := r.store.Count(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("history: count versions: %w", err)
	}
	e := &Entry{
		ID:        ids.New(),
		ProfileID: profileID,
		Version:   count + 1,
		Snapshot:  snapshot,
		Action:    action,
		CreatedBy: actorID,
		Metadata:  metadata,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.Append(ctx, e); err != nil {
		return nil, err
	}
	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, *e); err != nil {
			obs.Warn("history publish failed", map[string]any{
				"profile_id": profileID,
				"version":    e.Version,
				"error":      err.Error(),
			})
		}
	}
	return e, nil
}

// List returns the entries of profileID in version order.
func (r *Recorder) List(ctx context.Context, profileID string) ([]Entry, error) {
	return r.store.List(ctx, profileID)
}

// Snapshot converts subject to a generic JSON object without internal fields.
func Snapshot(subject any) (map[string]any, error) {
	raw, err := json.Marshal(subject)
	if err != nil {
		return nil, fmt.Errorf("history: snapshot: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: snapshot must be an object", ErrInvalidInput)
	}
	for _, f := range internalFields {
		delete(out, f)
	}
	return out, nil
}
