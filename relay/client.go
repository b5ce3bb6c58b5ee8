package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrNoResult is returned by the client when the connection ends without a finished message.
// The close reason, if any, is in the wrapped websocket.CloseError.
var ErrNoResult = errors.New("connection closed without a result")

type Client struct {
	HTTPClient *http.Client
	// URL is the ws:// or http:// URL of the relay endpoint.
	URL    string
	Logger *zap.SugaredLogger
}

// Run sends the request and calls onProgress for every progress value, in order.
// It returns the finished value.
func (c *Client) Run(ctx context.Context, req CommandRequest, onProgress func(json.RawMessage)) (json.RawMessage, error) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	log.Debugw("dialing WebSocket for run", "URL", c.URL)
	conn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to run: %w", err)
	}
	defer func() {
		err := conn.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			log.Debugf("error closing conn: %s", err)
		}
	}()
	conn.SetReadLimit(eventReadLimit)

	err = wsjson.Write(ctx, conn, req)
	if err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	for {
		var ev Event
		err := wsjson.Read(ctx, conn, &ev)
		if websocket.CloseStatus(err) != -1 {
			return nil, fmt.Errorf("%w: %w", ErrNoResult, err)
		}
		if err != nil {
			return nil, fmt.Errorf("reading event: %w", err)
		}
		log.Debugw("got event", "Kind", ev.Kind)
		switch ev.Kind {
		case KindProgress:
			if onProgress != nil {
				onProgress(ev.Value)
			}
		case KindResult:
			return ev.Value, nil
		}
	}
}
