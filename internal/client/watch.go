package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ricevute/internal/core"
	applog "ricevute/internal/log"
)

// Notice is one message from the change feed. It says that the collection
// changed, not what it now contains.
type Notice struct {
	Type   string          `json:"type"`
	Change core.ChangeType `json:"change"`
	ID     int64           `json:"id"`
	At     time.Time       `json:"at"`
}

const watchHandshakeTimeout = 10 * time.Second

// Watch subscribes to the change feed and calls fn for each notice until
// ctx is cancelled or the connection drops. Cancellation returns nil.
func (c *Client) Watch(ctx context.Context, fn func(Notice)) error {
	wsURL := *c.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/api/ws"

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: watchHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				return fmt.Errorf("watch: %w", ErrUnauthorized)
			}
			if resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("watch: change feed not available")
			}
		}
		return core.Transport("watch", err)
	}
	defer conn.Close()

	c.logger.InfoContext(ctx, "Watching for changes", "url", wsURL.String())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return core.Transport("watch", err)
		}
		var n Notice
		if err := json.Unmarshal(raw, &n); err != nil {
			c.logger.WarnContext(ctx, "Ignoring malformed change notice", applog.FieldError, err)
			continue
		}
		c.logger.DebugContext(ctx, "Change notice received",
			applog.FieldEventType, n.Change,
			applog.FieldExpenseID, n.ID)
		fn(n)
	}
}
