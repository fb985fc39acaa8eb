package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
)

// keepaliveInterval paces the pings that keep the realtime socket from
// idling out behind proxies.
const keepaliveInterval = 30 * time.Second

// subscribeFrame is the first message sent on a realtime connection. The
// server applies the table filter before pushing any events.
type subscribeFrame struct {
	Action string   `json:"action"`
	Tables []string `json:"tables"`
}

// WSFeed implements Feed over a WebSocket connection to the realtime
// gateway. Events arrive as JSON-encoded ChangeEvent frames.
type WSFeed struct {
	url    string
	logger *log.Logger
}

// NewWSFeed creates a realtime feed client for the given gateway URL.
// If logger is nil, a default logger writing to stderr is used.
func NewWSFeed(url string, logger *log.Logger) *WSFeed {
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &WSFeed{url: url, logger: logger}
}

// Subscribe implements Feed.Subscribe. The returned channel is closed when
// ctx is cancelled or the connection drops; reconnection is the caller's
// responsibility.
func (f *WSFeed) Subscribe(ctx context.Context, tables []string) (<-chan ChangeEvent, error) {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime gateway: %w", err)
	}

	frame, err := json.Marshal(subscribeFrame{Action: "subscribe", Tables: tables})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "marshal failure")
		return nil, fmt.Errorf("failed to marshal subscribe frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failure")
		return nil, fmt.Errorf("failed to send subscribe frame: %w", err)
	}

	events := make(chan ChangeEvent, 100)

	go f.keepalive(ctx, conn)
	go f.readLoop(ctx, conn, events)

	return events, nil
}

func (f *WSFeed) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- ChangeEvent) {
	defer close(events)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Printf("Realtime connection closed: %v", err)
			}
			return
		}

		var event ChangeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			f.logger.Printf("Warning: dropping malformed event: %v", err)
			continue
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return
		default:
			f.logger.Println("Warning: event channel full, dropping event")
		}
	}
}
