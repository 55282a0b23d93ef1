package process

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// readLimit is the largest single event a Client accepts.
// Events are never split, so this bounds the longest relayed line or prompt.
const readLimit = 16 << 20

// WSSink sends events as JSON text messages over a WebSocket.
// The client never sends data messages; anything it does send closes the connection.
type WSSink struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn

	// ctx is done once the peer closes the connection or reading from it fails.
	ctx context.Context

	writeMut sync.Mutex
	failed   atomic.Bool
}

func NewWSSink(ctx context.Context, conn *websocket.Conn, log *zap.SugaredLogger) *WSSink {
	return &WSSink{
		log:  log,
		conn: conn,
		ctx:  conn.CloseRead(ctx),
	}
}

func (s *WSSink) Connected() bool {
	return s.ctx.Err() == nil && !s.failed.Load()
}

// Done is closed when the client goes away.
func (s *WSSink) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *WSSink) Send(ctx context.Context, e Event) error {
	if !s.Connected() {
		return ErrSinkClosed
	}
	b, err := MarshalEvent(e)
	if err != nil {
		return err
	}

	s.writeMut.Lock()
	defer s.writeMut.Unlock()
	s.log.Debugf("writing %s event, %d bytes", e.Type(), len(b))
	err = s.conn.Write(ctx, websocket.MessageText, b)
	if err != nil {
		s.failed.Store(true)
		return fmt.Errorf("writing %s event: %w", e.Type(), err)
	}
	return nil
}
