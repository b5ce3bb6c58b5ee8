package relay

import (
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/guseggert/condadev/proc"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Server serves relay sessions over WebSocket connections, one session per connection.
type Server struct {
	Log    *zap.SugaredLogger
	Runner *proc.Runner

	active atomic.Int64
}

// ActiveSessions returns the number of sessions currently running.
func (s *Server) ActiveSessions() int64 { return s.active.Load() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Accept writes the error response itself.
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(requestReadLimit)

	s.active.Add(1)
	defer s.active.Add(-1)

	sess := &session{
		log:  s.Log.Named("session").With("Session", uuid.New().String()),
		conn: wsConn,
	}
	sess.log.Debugw("accepted WebSocket conn", "RemoteAddr", r.RemoteAddr)
	sess.run(r, s.Runner)
}

// session is the state of one connection: its conn and, once started, its child process.
type session struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn
}

func (s *session) close(code websocket.StatusCode, reason string) {
	err := s.conn.Close(code, truncateReason(reason))
	if err != nil {
		s.log.Debugf("error closing conn: %s", err)
	}
}

func (s *session) run(r *http.Request, runner *proc.Runner) {
	var req CommandRequest
	err := wsjson.Read(r.Context(), s.conn, &req)
	if websocket.CloseStatus(err) != -1 {
		s.log.Debugf("conn closed before a request: %s", err)
		return
	}
	if err != nil {
		s.log.Debugf("error reading request: %s", err)
		s.close(websocket.StatusInvalidFramePayloadData, "reading request: "+err.Error())
		return
	}
	if req.Subcommand == "" {
		s.close(websocket.StatusPolicyViolation, "request contained no subcommand")
		return
	}
	s.log.Debugw("got request", "Request", req)

	// Nothing else is read from the client, this just notices when it goes away.
	ctx := s.conn.CloseRead(r.Context())

	err = Run(ctx, runner, req, &wsEmitter{log: s.log, conn: s.conn})
	if err != nil {
		s.log.Debugf("session failed: %s", err)
		s.close(websocket.StatusInternalError, err.Error())
		return
	}
	s.log.Debug("session finished")
	s.close(websocket.StatusNormalClosure, "")
}
