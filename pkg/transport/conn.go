package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/1F47E/geo-presence/pkg/config"
	"github.com/1F47E/geo-presence/pkg/models"
	"github.com/1F47E/geo-presence/pkg/presence"
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrConnClosed     = errors.New("connection closed")
)

// Conn is a websocket connection usable as a registry handle. Writes go
// through a buffered channel drained by a single writer goroutine.
type Conn struct {
	id   string
	ws   *websocket.Conn
	cfg  config.WebSocketConfig
	log  *zap.Logger
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, cfg config.WebSocketConfig, log *zap.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:   id,
		ws:   ws,
		cfg:  cfg,
		log:  log.With(zap.String("conn_id", id)),
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Emit queues an event frame without blocking. A full buffer drops the frame.
func (c *Conn) Emit(kind models.EventKind, payload any) error {
	data, err := encodeFrame(kind, payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", kind, err)
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close asks the writer to send a close frame and tear down the socket
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// readPump reads client frames until the socket fails or a frame is invalid
func (c *Conn) readPump(s *presence.Session) {
	defer func() {
		s.Close()
		_ = c.Close()
	}()

	c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Error reading from client", zap.Error(err))
			} else {
				c.log.Debug("Client connection ended", zap.Error(err))
			}
			return
		}

		frame, err := decodeFrame(data)
		if err != nil {
			s.ProtocolViolation(fmt.Errorf("malformed frame: %w", err))
			return
		}

		switch frame.Type {
		case FrameSetLocation:
			report, err := decodeLocation(frame.Payload)
			if err != nil {
				s.ProtocolViolation(fmt.Errorf("%w: %v", models.ErrInvalidLocation, err))
				return
			}
			err = s.ReportLocation(report)
			if errors.Is(err, presence.ErrSessionSuperseded) {
				c.log.Debug("Ignoring report from superseded connection")
				continue
			}
			if err != nil {
				return
			}
		default:
			c.log.Debug("Ignoring frame", zap.String("type", frame.Type))
		}
	}
}

// writePump drains the send buffer and keeps the connection alive with pings
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("Write error", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("Ping error", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}
