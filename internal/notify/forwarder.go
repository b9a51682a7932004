package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nugget/foreman/internal/events"
	"github.com/nugget/foreman/internal/store"
)

// Sink delivers an encoded changelog entry to one destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
}

// Message is the payload sinks receive.
type Message struct {
	ProjectID string               `json:"project_id"`
	Entry     store.ChangelogEntry `json:"entry"`
}

// Forwarder relays changelog events from the bus to every sink.
type Forwarder struct {
	bus    *events.Bus
	sinks  []Sink
	logger *slog.Logger
}

// NewForwarder creates a Forwarder. It does nothing until Run.
func NewForwarder(bus *events.Bus, logger *slog.Logger, sinks ...Sink) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{bus: bus, sinks: sinks, logger: logger.With("component", "notify")}
}

// Run forwards events until ctx is cancelled or the bus is closed. A
// failing sink is logged and does not stop delivery to the others.
func (f *Forwarder) Run(ctx context.Context) error {
	ch := f.bus.Subscribe(64)
	defer f.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Source != events.SourceChangelog || ev.Kind != events.KindEntryAppended {
				continue
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev events.Event) {
	entry, ok := ev.Data["entry"].(store.ChangelogEntry)
	if !ok {
		f.logger.Warn("changelog event without entry", "data", ev.Data)
		return
	}
	projectID, _ := ev.Data["project_id"].(string)

	payload, err := json.Marshal(Message{ProjectID: projectID, Entry: entry})
	if err != nil {
		f.logger.Error("marshal changelog message", "id", entry.ID, "error", err)
		return
	}
	for _, s := range f.sinks {
		if err := s.Publish(ctx, payload); err != nil {
			f.logger.Warn("changelog publish failed", "sink", s.Name(), "id", entry.ID, "error", err)
			continue
		}
		f.logger.Debug("changelog published", "sink", s.Name(), "id", entry.ID)
	}
}
