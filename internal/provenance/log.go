package provenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nicholaskb/semant/internal/types"
)

// Sink is the write side of the persistence facade as seen by the log.
type Sink interface {
	// SaveOccurrent persists one occurrent.
	SaveOccurrent(ctx context.Context, o *Occurrent) error
}

// Filter selects occurrents for querying. Zero-valued fields are wildcards.
type Filter struct {
	Kind      Kind
	SubjectID string
	Status    string
	Since     time.Time
	Until     time.Time
}

// Log is the append-only provenance store. Reads are served from memory;
// writes go through the sink synchronously but on a best-effort basis: a
// persistence failure is surfaced without rolling back the operation the
// occurrent describes.
type Log struct {
	mu         sync.RWMutex
	occurrents []*Occurrent
	byID       map[types.ID]*Occurrent
	sink       Sink
	logger     *slog.Logger
}

// LogOption is a functional option for configuring a Log.
type LogOption func(*Log)

// WithLogLogger sets the structured logger used for sink failures.
func WithLogLogger(logger *slog.Logger) LogOption {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLog creates a provenance log writing through the given sink.
// A nil sink keeps the log purely in-memory.
func NewLog(sink Sink, opts ...LogOption) *Log {
	l := &Log{
		byID:   make(map[types.ID]*Occurrent),
		sink:   sink,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records an occurrent. Re-appending an occurrent with the same ID
// updates the stored copy only while it is unsealed; a sealed occurrent is
// write-once and the append fails. A sink failure returns a
// PERSISTENCE_FAILED error but the in-memory record stands.
func (l *Log) Append(ctx context.Context, o *Occurrent) error {
	if o == nil {
		return types.NewError(types.PERSISTENCE_FAILED, "occurrent cannot be nil")
	}
	if !o.Kind.IsValid() {
		return types.NewError(types.PERSISTENCE_FAILED,
			fmt.Sprintf("invalid occurrent kind %q", o.Kind))
	}

	clone := o.Clone()

	l.mu.Lock()
	existing, known := l.byID[o.ID]
	if known && existing.Sealed() {
		l.mu.Unlock()
		return types.NewError(types.PERSISTENCE_FAILED,
			fmt.Sprintf("occurrent %s is sealed and cannot be modified", o.ID))
	}
	if known {
		*existing = *clone
	} else {
		l.occurrents = append(l.occurrents, clone)
		l.byID[clone.ID] = clone
	}
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.SaveOccurrent(ctx, clone); err != nil {
			l.logger.WarnContext(ctx, "provenance persistence failed",
				"occurrent_id", o.ID,
				"kind", o.Kind,
				"error", err,
			)
			return types.WrapError(types.PERSISTENCE_FAILED,
				fmt.Sprintf("failed to persist occurrent %s", o.ID), err)
		}
	}

	return nil
}

// Query returns occurrents matching the filter, ordered by start time
// descending.
func (l *Log) Query(filter Filter) []*Occurrent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Occurrent
	for _, o := range l.occurrents {
		if filter.Kind != "" && o.Kind != filter.Kind {
			continue
		}
		if filter.SubjectID != "" && o.SubjectID != filter.SubjectID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && o.StartTime.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && o.StartTime.After(filter.Until) {
			continue
		}
		out = append(out, o.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Count returns the number of recorded occurrents.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.occurrents)
}
