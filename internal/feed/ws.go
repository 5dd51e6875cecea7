package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stakepilot/engine/internal/domain"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// SnapshotSink receives fresh listing snapshots pushed by the watcher. The
// scheduler engine satisfies it via NotifySnapshot.
type SnapshotSink interface {
	NotifySnapshot(listings []domain.Listing)
}

// Watcher maintains a WebSocket connection to the feed and refetches the
// snapshot whenever the feed announces a listing change. The fresh snapshot
// is handed to the sink, which decides whether it warrants an early tick.
type Watcher struct {
	wsURL  string
	client *Client
	sink   SnapshotSink
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	done chan struct{}
}

// NewWatcher creates a Watcher. wsURL is the feed WebSocket endpoint, e.g.
// "wss://feed.example.org/ws".
func NewWatcher(wsURL string, client *Client, sink SnapshotSink, logger *slog.Logger) *Watcher {
	return &Watcher{
		wsURL:  wsURL,
		client: client,
		sink:   sink,
		logger: logger.With(slog.String("component", "feed_watcher")),
		done:   make(chan struct{}),
	}
}

// wsEvent is the envelope of a feed WebSocket message. Only the event type is
// inspected; a change event of any kind triggers a REST refetch rather than
// trusting the partial payload.
type wsEvent struct {
	Event     string `json:"event"`
	ListingID string `json:"listingId,omitempty"`
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops.
func (w *Watcher) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return domain.ErrContextDone
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return err
	}

	w.conn = conn
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop(conn)
	go w.pingLoop(conn)

	return nil
}

// Close shuts down the connection and stops the loops.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

func (w *Watcher) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Warn("feed socket read failed, reconnecting", slog.String("error", err.Error()))
			w.reconnect()
			return
		}

		w.handleMessage(message)
	}
}

func (w *Watcher) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *Watcher) handleMessage(raw []byte) {
	var ev wsEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return // drop unparseable messages
	}

	switch ev.Event {
	case "listing_created", "listing_updated", "listing_resolved", "listing_closed":
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	listings, err := w.client.Snapshot(ctx)
	if err != nil {
		w.logger.Warn("snapshot refetch after feed event failed",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()))
		return
	}

	w.logger.Debug("feed event refreshed snapshot",
		slog.String("event", ev.Event),
		slog.Int("listings", len(listings)))
	w.sink.NotifySnapshot(listings)
}

// reconnect re-establishes the connection with exponential backoff. It blocks
// until successful or the watcher is closed.
func (w *Watcher) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			return
		}
		w.logger.Warn("feed reconnect failed", slog.String("error", err.Error()))

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
