package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 16 << 20
	writeWait      = 10 * time.Second
)

// wsTransport carries sync messages as binary websocket frames.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(maxMessageSize)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(ctx context.Context, msg []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	// unblock ReadMessage once ctx is done
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	for {
		kind, msg, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		switch kind {
		case websocket.BinaryMessage:
			return msg, nil
		case websocket.TextMessage:
			return nil, errors.New("text frames are not supported")
		default:
			return nil, fmt.Errorf("unexpected frame type %d", kind)
		}
	}
}

func (t *wsTransport) Close() error {
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}
