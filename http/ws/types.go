package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Upgrader keeps gorilla's same-origin check: the endpoints change
// configuration and must not be reachable from foreign pages.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

type LogHub struct {
	mu      sync.RWMutex
	clients map[*logClient]struct{}
	in      chan []byte
	reg     chan *logClient
	unreg   chan *logClient
	stop    chan struct{}
	once    sync.Once
	writer  *broadcastWriter
}
