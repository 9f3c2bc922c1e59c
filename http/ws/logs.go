package ws

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/daniellavrushin/b4tun/log"
	"github.com/gorilla/websocket"
)

type logClient struct {
	ws   *websocket.Conn
	send chan []byte
}

var (
	logHub  *LogHub
	logOnce sync.Once
)

// GetLogHub returns the process-wide log hub.
func GetLogHub() *LogHub {
	logOnce.Do(func() { logHub = NewLogHub() })
	return logHub
}

func NewLogHub() *LogHub {
	h := &LogHub{
		clients: map[*logClient]struct{}{},
		in:      make(chan []byte, 1024),
		reg:     make(chan *logClient),
		unreg:   make(chan *logClient),
		stop:    make(chan struct{}),
	}
	h.writer = &broadcastWriter{h: h}
	go h.run()
	return h
}

func (h *LogHub) run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.reg:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unreg:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.in:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow client, skip
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Clients is the number of connected log viewers.
func (h *LogHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcastWriter splits log output into lines for the hub. Lines are
// dropped rather than blocking the logger when the hub is backed up.
type broadcastWriter struct {
	h   *LogHub
	mu  sync.Mutex
	buf []byte
}

func (w *broadcastWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	start := 0
	for {
		i := bytes.IndexByte(w.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := bytes.Clone(w.buf[start : start+i])
		select {
		case w.h.in <- line:
		case <-w.h.stop:
		default:
		}
		start += i + 1
	}
	if start > 0 {
		w.buf = append(w.buf[:0], w.buf[start:]...)
	}
	return len(p), nil
}

func (h *LogHub) Writer() io.Writer { return h.writer }

// ServeHTTP upgrades the request and streams log lines until the client
// goes away.
func (h *LogHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade logs WebSocket: %v", err)
		return
	}

	c := &logClient{ws: conn, send: make(chan []byte, 256)}
	log.Tracef("Logs WebSocket client connected: %s", r.RemoteAddr)

	select {
	case h.reg <- c:
	case <-h.stop:
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump(h)
}

func (h *LogHub) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// LogWriter returns a writer that broadcasts to all connected WebSocket clients.
func LogWriter() io.Writer {
	return GetLogHub().Writer()
}

func HandleLogsWebSocket(w http.ResponseWriter, r *http.Request) {
	GetLogHub().ServeHTTP(w, r)
}

func Shutdown() {
	if logHub != nil {
		logHub.Stop()
	}
}

func (c *logClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *logClient) readPump(h *LogHub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.stop:
		}
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Tracef("WebSocket error: %v", err)
			}
			break
		}
	}
}
