package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

// subscribeBuffer bounds the decoded-event channel. The orchestrator consumes
// quickly, but a burst of part deltas must not stall the read loop.
const subscribeBuffer = 256

// Subscribe opens the websocket push feed scoped to a working directory and
// decodes frames into typed events. The returned channel preserves delivery
// order and closes when ctx is cancelled or the feed drops.
func (c *Client) Subscribe(ctx context.Context, directory string) (<-chan Event, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/event?directory=" + url.QueryEscape(directory)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(4 << 20)

	ch := make(chan Event, subscribeBuffer)
	go c.readLoop(ctx, conn, directory, ch)
	return ch, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, directory string, ch chan<- Event) {
	defer close(ch)
	defer func() {
		if err := conn.Close(websocket.StatusNormalClosure, "subscription ended"); err != nil {
			c.logger.Debug("failed to close event feed", "error", err, "directory", directory)
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				c.logger.Debug("event feed closed", "directory", directory)
			} else {
				c.logger.Warn("event feed read error", "error", err, "directory", directory)
			}
			return
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Warn("failed to decode event frame", "error", err, "directory", directory)
			continue
		}
		if event.Type == "" {
			continue
		}

		select {
		case ch <- event:
		case <-ctx.Done():
			return
		}
	}
}
