// Package ptybridge pumps bytes between a browser WebSocket and an exec'd
// interactive shell inside a container, and handles resize control frames.
//
// Grounded in the teacher's terminal_handler_unix.go up-pump/down-pump
// goroutine pair (sync.WaitGroup + sync.Once + done channel for joint
// cancellation), with the PTY itself swapped from a host-forked creack/pty
// process for a containerdrv.ExecStream (§2 of the expanded spec).
package ptybridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/canyouhack-org/sandboxd/internal/containerdrv"
	"github.com/canyouhack-org/sandboxd/internal/session"
)

const (
	defaultCols = 80
	defaultRows = 24
	chunkSize   = 4096
)

// resizeFrame is the JSON control message intercepted by the up-pump,
// per §4.5.
type resizeFrame struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// Bridge runs one terminal connection's full lifetime.
type Bridge struct {
	driver   *containerdrv.Driver
	sessions *session.Manager
	log      zerolog.Logger
}

func New(driver *containerdrv.Driver, sessions *session.Manager, log zerolog.Logger) *Bridge {
	return &Bridge{driver: driver, sessions: sessions, log: log}
}

// Attach implements §4.5's attach: resolve the session, open an exec shell,
// and run the two pumps until either side ends, closing with the close
// code mandated by §4.5/§6.
func (b *Bridge) Attach(ctx context.Context, conn *websocket.Conn, sessionID string) {
	rec, ok := b.sessions.Lookup(sessionID)
	if !ok {
		closeWith(conn, websocket.ClosePolicyViolation, "unknown session")
		return
	}

	h := containerdrv.Handle{ID: rec.ContainerID, Name: "terminal-" + rec.UserID}
	eh, stream, err := b.driver.OpenExec(ctx, h, []string{"/bin/bash", "--login"}, shellEnv(), defaultCols, defaultRows)
	if err != nil {
		b.log.Error().Err(err).Str("session_id", sessionID).Msg("opening exec failed")
		closeWith(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}
	defer stream.Close()

	var once sync.Once
	done := make(chan struct{})
	// stop also closes stream and conn: each pump is almost always parked
	// in a blocking read (downPump in stream.Read, upPump in
	// conn.ReadMessage) with nothing else to wake it, since done is only
	// checked between reads, not during one. Closing both turns the
	// blocked read into an I/O error so the pump can exit.
	stop := func() { once.Do(func() { close(done); stream.Close(); conn.Close() }) }

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer stop()
		b.downPump(conn, stream, done)
	}()

	go func() {
		defer wg.Done()
		defer stop()
		b.upPump(ctx, conn, stream, eh, done)
	}()

	wg.Wait()
	conn.Close()
}

// downPump implements §4.5's down-pump: raw bytes in chunks of up to 4KiB,
// each forwarded as a binary frame.
func (b *Bridge) downPump(conn *websocket.Conn, stream *containerdrv.ExecStream, done chan struct{}) {
	buf := make([]byte, chunkSize)
	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := stream.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.log.Debug().Err(err).Msg("exec read ended")
			}
			return
		}
	}
}

// upPump implements §4.5's up-pump: parse JSON resize frames out-of-band,
// forward everything else verbatim.
func (b *Bridge) upPump(ctx context.Context, conn *websocket.Conn, stream *containerdrv.ExecStream, eh containerdrv.ExecHandle, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if msgType == websocket.TextMessage && len(data) > 0 && data[0] == '{' {
			var f resizeFrame
			if json.Unmarshal(data, &f) == nil && f.Type == "resize" && f.Cols > 0 && f.Rows > 0 {
				_ = b.driver.Resize(ctx, eh, uint(f.Cols), uint(f.Rows))
				continue
			}
		}

		if _, err := stream.Write(data); err != nil {
			return
		}
	}
}

func shellEnv() []string {
	return []string{
		"TERM=xterm-256color",
		"COLUMNS=80",
		"LINES=24",
		"HOME=/root",
		"SHELL=/bin/bash",
		"USER=root",
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}
