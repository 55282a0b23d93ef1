package process

import (
	"context"
	"net/http"
	"path"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// SessionInfo describes a running session to a Tracker.
type SessionInfo struct {
	Module     string
	PID        int
	RemoteAddr string
	Started    time.Time
}

// Tracker is notified of sessions as they start. The returned func is called when
// the session ends. cancel tears the session down early.
type Tracker interface {
	Track(info SessionInfo, cancel context.CancelFunc) (untrack func())
}

// Server runs one session per WebSocket connection. As an http.Handler it takes the
// module name from the last path element, e.g. GET /run/mypkg.main.
type Server struct {
	Log          *zap.SugaredLogger
	Launcher     Launcher
	PollInterval time.Duration
	Tracker      Tracker
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.ServeModule(w, r, path.Base(r.URL.Path))
}

// ServeModule upgrades the request and relays module's output until the child exits
// or the client goes away.
func (s *Server) ServeModule(w http.ResponseWriter, r *http.Request, module string) {
	if err := ValidateModule(module); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	s.Log.Debugw("accepted WebSocket conn", "RemoteAddr", r.RemoteAddr, "Module", module)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := s.Log.Named("session").With("Module", module)
	sink := NewWSSink(ctx, wsConn, log.Named("ws_sink"))
	sess := NewSession(module, sink,
		WithSessionLogger(log),
		WithLauncher(s.Launcher),
		WithPollInterval(s.PollInterval),
	)

	pid, err := sess.Start(ctx)
	if err != nil {
		log.Infow("unable to start session", "Error", err)
		closeConn(log, wsConn, websocket.StatusInternalError, err.Error())
		return
	}

	if s.Tracker != nil {
		untrack := s.Tracker.Track(SessionInfo{
			Module:     module,
			PID:        pid,
			RemoteAddr: r.RemoteAddr,
			Started:    time.Now(),
		}, cancel)
		defer untrack()
	}

	// the watcher always finishes once the child is reaped, and cancellation kills the child
	code, err := sess.AwaitEnd(context.Background())
	if err != nil {
		log.Debugw("error awaiting session end", "Error", err)
	}
	log.Infow("session ended", "ExitCode", code)
	closeConn(log, wsConn, websocket.StatusNormalClosure, "")
}

func closeConn(log *zap.SugaredLogger, conn *websocket.Conn, code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	err := conn.Close(code, reason)
	if err != nil {
		log.Debugf("error closing conn: %s", err)
	}
}
