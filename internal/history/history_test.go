package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

type profileDoc struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	CloudSync map[string]any `json:"cloudSync,omitempty"`
}

func TestRecordNumbersVersionsPerProfile(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r := NewRecorder(NewMemoryStore(), WithClock(func() time.Time { return now }))

	first, err := r.Record(ctx, "p1", profileDoc{ID: "p1", Name: "a"}, ActionCreate, "u1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, first.Version)
	require.Equal(t, now, first.CreatedAt)

	second, err := r.Record(ctx, "p1", profileDoc{ID: "p1", Name: "b", CloudSync: map[string]any{"iv": "00"}}, ActionSync, "u1", map[string]any{"bucket": "b"})
	require.NoError(t, err)
	require.Equal(t, 2, second.Version)
	require.NotContains(t, second.Snapshot, "id")
	require.NotContains(t, second.Snapshot, "cloudSync")
	require.Equal(t, "b", second.Snapshot["name"])

	other, err := r.Record(ctx, "p2", profileDoc{ID: "p2"}, ActionClone, "u2", nil)
	require.NoError(t, err)
	require.Equal(t, 1, other.Version)

	entries, err := r.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ActionSync, entries[1].Action)
}

func TestRecordRejectsBadInput(t *testing.T) {
	r := NewRecorder(NewMemoryStore())
	ctx := context.Background()

	_, err := r.Record(ctx, "p1", profileDoc{}, Action("rename"), "u1", nil)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = r.Record(ctx, "p1", profileDoc{}, ActionCreate, "", nil)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = r.Record(ctx, "p1", []string{"not", "an", "object"}, ActionCreate, "u1", nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryStoreRejectsDuplicateVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, &Entry{ProfileID: "p1", Version: 1}))
	require.ErrorIs(t, s.Append(ctx, &Entry{ProfileID: "p1", Version: 1}), ErrConflict)
}

func TestKafkaPublisher(t *testing.T) {
	w := &captureWriter{}
	r := NewRecorder(NewMemoryStore(), WithPublisher(NewKafkaPublisher(w)))

	e, err := r.Record(context.Background(), "p1", profileDoc{Name: "x"}, ActionShare, "u1", map[string]any{"teamId": "t1"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	require.Equal(t, "p1", string(w.msgs[0].Key))

	var decoded Entry
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	require.Equal(t, e.ID, decoded.ID)
	require.Equal(t, ActionShare, decoded.Action)
}

func TestPublishFailureDoesNotFailRecord(t *testing.T) {
	w := &captureWriter{err: errors.New("broker unavailable")}
	store := NewMemoryStore()
	r := NewRecorder(store, WithPublisher(NewKafkaPublisher(w)))

	_, err := r.Record(context.Background(), "p1", profileDoc{Name: "x"}, ActionCreate, "u1", nil)
	require.NoError(t, err)
	n, _ := store.Count(context.Background(), "p1")
	require.Equal(t, 1, n)
}
