package api

import (
	"bufio"
	"net"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// wsHandler upgrades HTTP connections to WebSocket and delegates to ConnectionManager.
func (s *Server) wsHandler(c *gin.Context) {
	if s.connManager == nil {
		abort(c, newHTTPError(http.StatusServiceUnavailable, "WebSocket not available"))
		return
	}

	// Same-origin requests are always accepted; other origins must match
	// the configured patterns.
	conn, err := websocket.Accept(newUpgradeWriter(c.Writer), c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		loggerFor(c).Warn("WebSocket upgrade failed", "error", err)
		return
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request.Context(), conn, currentUser(c))
}

// upgradeWriter carries the handshake through gin's writer. gin refuses to
// hijack once WriteHeaderNow has run, so that method is not exposed and the
// 101 status goes straight to the server's writer, which sends it on Hijack.
type upgradeWriter struct {
	gw  gin.ResponseWriter
	raw http.ResponseWriter
}

func newUpgradeWriter(w gin.ResponseWriter) *upgradeWriter {
	uw := &upgradeWriter{gw: w, raw: w}
	if u, ok := w.(interface{ Unwrap() http.ResponseWriter }); ok {
		uw.raw = u.Unwrap()
	}
	return uw
}

func (w *upgradeWriter) Header() http.Header { return w.gw.Header() }

func (w *upgradeWriter) Write(b []byte) (int, error) { return w.gw.Write(b) }

func (w *upgradeWriter) WriteHeader(code int) {
	w.gw.WriteHeader(code)
	if code == http.StatusSwitchingProtocols {
		w.raw.WriteHeader(code)
	}
}

// Hijack goes through gin so it records the response as taken over.
func (w *upgradeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.gw.Hijack()
}
