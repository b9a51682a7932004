// Package changelog appends project changelog entries and announces them
// on the event bus so live feeds and external sinks see each change.
package changelog

import (
	"context"
	"log/slog"

	"github.com/nugget/foreman/internal/events"
	"github.com/nugget/foreman/internal/store"
)

// Appender persists changelog entries.
type Appender interface {
	AppendChangelog(ctx context.Context, e store.NewChangelogEntry) (*store.ChangelogEntry, error)
}

// Recorder writes entries through an Appender and publishes each one
// that was stored. The bus may be nil.
type Recorder struct {
	store  Appender
	bus    *events.Bus
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(s Appender, bus *events.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, bus: bus, logger: logger.With("component", "changelog")}
}

// Record appends e. Nothing is published when the append fails.
func (r *Recorder) Record(ctx context.Context, e store.NewChangelogEntry) error {
	entry, err := r.store.AppendChangelog(ctx, e)
	if err != nil {
		return err
	}
	r.logger.Info("changelog entry appended",
		"id", entry.ID,
		"project_id", e.ProjectID,
		"type", entry.Type,
		"title", entry.Title,
	)
	r.bus.Emit(events.SourceChangelog, events.KindEntryAppended, map[string]any{
		"entry":      *entry,
		"project_id": e.ProjectID,
	})
	return nil
}
