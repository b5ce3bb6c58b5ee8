package relay

import (
	"context"
	"unicode/utf8"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Read limits for inbound messages. Requests are small, results can be large.
const (
	requestReadLimit = 32768
	eventReadLimit   = 64 << 20
)

// maxCloseReason keeps close reasons under the 123-byte limit of a control frame.
const maxCloseReason = 100

// truncateReason cuts reason to at most maxCloseReason bytes without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}

// wsEmitter sends events as JSON messages on a WebSocket connection.
type wsEmitter struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn
}

func (w *wsEmitter) Emit(ctx context.Context, ev Event) error {
	err := wsjson.Write(ctx, w.conn, ev)
	w.log.Debugw("wrote event", "Kind", ev.Kind, "Bytes", len(ev.Value), "Error", err)
	return err
}
