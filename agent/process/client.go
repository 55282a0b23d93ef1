package process

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNoExit means the connection ended before the server reported the child's exit.
// This happens when the server side is torn down or the child could not be spawned.
var ErrNoExit = errors.New("connection closed without an exit event")

// Client attaches to a Server and receives a module's events.
type Client struct {
	HTTPClient *http.Client
	// URL is the run endpoint without the module, e.g. wss://host:8080/run.
	URL    string
	Logger *zap.SugaredLogger
}

// EventHandler is called for every event in order, including the final ExitEvent.
// Returning an error disconnects, which makes the server kill the child.
type EventHandler func(Event) error

// Run starts module on the server and streams its events to handle until it exits,
// returning the child's exit code.
func (c *Client) Run(ctx context.Context, module string, handle EventHandler) (int, error) {
	u := c.URL + "/" + url.PathEscape(module)
	c.Logger.Debugw("dialing WebSocket for run", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return -1, fmt.Errorf("establishing WebSocket conn to run: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	for {
		_, b, err := wsConn.Read(ctx)
		if status := websocket.CloseStatus(err); status != -1 {
			c.Logger.Debugw("conn closed by server", "Status", status, "Error", err)
			return -1, fmt.Errorf("%w: %s", ErrNoExit, err)
		}
		if err != nil {
			wsConn.Close(websocket.StatusInternalError, "read error")
			return -1, fmt.Errorf("reading event: %w", err)
		}

		ev, err := UnmarshalEvent(b)
		if err != nil {
			wsConn.Close(websocket.StatusUnsupportedData, "bad event")
			return -1, err
		}
		if err := handle(ev); err != nil {
			wsConn.Close(websocket.StatusNormalClosure, "")
			return -1, err
		}
		if exit, ok := ev.(ExitEvent); ok {
			wsConn.Close(websocket.StatusNormalClosure, "")
			return exit.ReturnCode, nil
		}
	}
}
