package ws

import (
	"net/http"
	"time"

	"github.com/daniellavrushin/b4tun/log"
	"github.com/daniellavrushin/b4tun/metrics"
)

// MetricsHandler pushes a metrics snapshot every interval.
func MetricsHandler(m *metrics.Collector, interval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("Failed to upgrade metrics WebSocket: %v", err)
			return
		}
		defer conn.Close()

		// reader notices the client closing
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(m.Snapshot()); err != nil {
				return
			}
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}
}
