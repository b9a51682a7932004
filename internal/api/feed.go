package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/foreman/internal/events"
	"github.com/nugget/foreman/internal/store"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// FeedMessage is one frame of the changelog feed.
type FeedMessage struct {
	Type      string               `json:"type"`
	ProjectID string               `json:"project_id"`
	Entry     store.ChangelogEntry `json:"entry"`
}

// handleChangelogFeed streams changelog entries over a WebSocket until
// the client goes away or the bus closes. ?project=<id> narrows the
// stream to one project.
func (s *Server) handleChangelogFeed(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "Live feed not available")
		return
	}
	filter := r.URL.Query().Get("project")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("changelog feed upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	log := s.logger.With("remote", r.RemoteAddr, "project_filter", filter)
	log.Info("changelog feed opened")
	defer log.Info("changelog feed closed")

	// Reader: handles pongs and notices the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(feedPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(feedWriteWait))
				return
			}
			msg, ok := feedMessage(ev)
			if !ok || (filter != "" && msg.ProjectID != filter) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug("changelog feed write failed", "error", err)
				return
			}
		}
	}
}

func feedMessage(ev events.Event) (FeedMessage, bool) {
	if ev.Source != events.SourceChangelog || ev.Kind != events.KindEntryAppended {
		return FeedMessage{}, false
	}
	entry, ok := ev.Data["entry"].(store.ChangelogEntry)
	if !ok {
		return FeedMessage{}, false
	}
	projectID, _ := ev.Data["project_id"].(string)
	return FeedMessage{Type: "changelog", ProjectID: projectID, Entry: entry}, true
}
