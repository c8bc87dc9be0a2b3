// Package liveshell bridges a browser websocket to an interactive shell on an
// instance.
package liveshell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/instance-deployer/internal/remote"
)

const writeWait = 10 * time.Second

// Frame is a control message sent by the client. Frames that do not decode
// as a known control message are written to the shell verbatim.
type Frame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// Bridge pipes one websocket to one shell
type Bridge struct {
	logger zerolog.Logger
}

// NewBridge creates a bridge
func NewBridge(logger zerolog.Logger) *Bridge {
	return &Bridge{logger: logger.With().Str("component", "liveshell").Logger()}
}

// Run opens a shell on session and relays until either side closes. The
// session and the websocket are closed on return.
func (b *Bridge) Run(ctx context.Context, conn *websocket.Conn, session remote.Session) error {
	defer session.Close()
	defer conn.Close()

	sh, err := session.OpenInteractiveShell(ctx)
	if err != nil {
		msg := fmt.Sprintf("SSH error: %v\r\n", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, truncate(msg, 120)),
			time.Now().Add(writeWait))
		return fmt.Errorf("open shell: %w", err)
	}
	defer sh.Close()

	out := &socketWriter{conn: conn}
	if err := out.send("SSH connected\r\n"); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := sh.Read(buf)
			if n > 0 {
				if werr := out.send(string(buf[:n])); werr != nil {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
					b.logger.Debug().Err(err).Msg("Shell output ended")
				}
				_ = out.send("\r\nSSH session closed\r\n")
				// unblock the read loop below
				_ = conn.Close()
				return
			}
		}
	}()

	b.logger.Info().Msg("Live shell opened")
	err = b.readLoop(conn, sh)
	_ = sh.Close()
	<-done
	b.logger.Info().Msg("Live shell closed")

	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return err
	}
	return nil
}

func (b *Bridge) readLoop(conn *websocket.Conn, sh remote.Shell) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f Frame
		if json.Unmarshal(data, &f) == nil {
			switch f.Type {
			case "resize":
				if f.Cols > 0 && f.Rows > 0 {
					if err := sh.Resize(f.Cols, f.Rows); err != nil {
						b.logger.Debug().Err(err).Msg("Shell resize failed")
					}
				}
				continue
			case "input":
				data = []byte(f.Data)
			}
		}

		if _, err := sh.Write(data); err != nil {
			return nil
		}
	}
}

// socketWriter serializes writes; gorilla connections allow one writer at a time
type socketWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *socketWriter) send(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
