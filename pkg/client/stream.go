package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"lorachat/pkg/client/types"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WebSocketSubprotocol is negotiated on /api/ws.
const WebSocketSubprotocol = "lorachat.v1"

// ErrStreamClosed is returned when the relay ends a push stream.
var ErrStreamClosed = errors.New("event stream closed by relay")

const maxEventBytes = 256 * 1024

// Stream reads server-sent events from /api/stream and calls fn for each one
// until ctx is done, the stream breaks or fn returns an error.
func (c *Client) Stream(ctx context.Context, fn func(types.Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/stream", nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxEventBytes)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev types.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("event stream read failed: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrStreamClosed
}

// StreamWebSocket is Stream over /api/ws.
func (c *Client) StreamWebSocket(ctx context.Context, fn func(types.Event) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/ws"
	header := http.Header{}
	c.authorize(header)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{WebSocketSubprotocol},
		HTTPHeader:   header,
		HTTPClient:   c.stream,
	})
	if err != nil {
		return fmt.Errorf("failed to open websocket: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxEventBytes)

	for {
		var ev types.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return ErrStreamClosed
			}
			return fmt.Errorf("websocket read failed: %w", err)
		}
		if err := fn(ev); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "done")
			return err
		}
	}
}
