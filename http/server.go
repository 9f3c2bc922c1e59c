package http

import (
	"errors"
	"fmt"
	"io"
	"net"
	stdhttp "net/http"
	"strconv"
	"time"

	"github.com/daniellavrushin/b4tun/config"
	"github.com/daniellavrushin/b4tun/http/handler"
	"github.com/daniellavrushin/b4tun/http/ws"
	"github.com/daniellavrushin/b4tun/log"
	"github.com/daniellavrushin/b4tun/metrics"
)

const metricsPushInterval = time.Second

// StartServer binds the management API and serves it in the background.
// A zero port disables it. Bind errors are returned synchronously.
func StartServer(cfg *config.Config, api *handler.API, m *metrics.Collector) (*stdhttp.Server, error) {
	if cfg.System.WebServer.Port == 0 {
		log.Infof("Web server disabled (port 0)")
		return nil, nil
	}

	mux := NewMux(api, m)

	addr := net.JoinHostPort(cfg.System.WebServer.BindAddress, strconv.Itoa(cfg.System.WebServer.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	log.Infof("Starting web server on %s", ln.Addr())
	m.RecordEvent("info", fmt.Sprintf("Web server started on %s", ln.Addr()))

	srv := &stdhttp.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			log.Errorf("Web server error: %v", err)
			m.RecordEvent("error", fmt.Sprintf("Web server error: %v", err))
		}
	}()

	return srv, nil
}

// NewMux wires the websocket streams and the REST API onto one mux.
func NewMux(api *handler.API, m *metrics.Collector) *stdhttp.ServeMux {
	mux := stdhttp.NewServeMux()

	mux.HandleFunc("/api/ws/logs", ws.HandleLogsWebSocket)
	mux.HandleFunc("/api/ws/metrics", ws.MetricsHandler(m, metricsPushInterval))
	log.Tracef("WebSocket endpoints registered: /api/ws/logs, /api/ws/metrics")

	api.RegisterEndpoints(mux)
	log.Tracef("REST API endpoints registered")
	return mux
}

func LogWriter() io.Writer {
	return ws.LogWriter()
}

func Shutdown() {
	ws.Shutdown()
}
