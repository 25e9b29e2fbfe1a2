package session

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Handler upgrades HTTP requests on the stream endpoint into sessions.
type Handler struct {
	p Params
}

func NewHandler(p Params) *Handler {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Handler{p: p}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The daemon sits behind a trusted reverse proxy that owns origin
		// policy along with identity.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.p.Logger.Warn("websocket accept", "err", err)
		return
	}
	user := identityFromHeaders(r.Header)
	h.p.Logger.Info("client connected", "user", user.Username)
	s := New(&wsConn{c: c}, user, h.p)
	s.Run(r.Context())
	h.p.Logger.Info("client disconnected", "user", user.Username)
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) WriteJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, w.c, v)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
