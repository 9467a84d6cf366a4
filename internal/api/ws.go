package api

import (
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/websocket"

	"github.com/victornm/quizhub/internal/registry"
)

const (
	defaultSendBuffer = 64

	// writeTimeout bounds a single frame write so one stuck socket cannot
	// wedge its writer goroutine forever.
	writeTimeout = 10 * time.Second
)

// Connection identity headers.
const (
	HeaderUserID = "user_id"
	HeaderRole   = "role"
)

// serveWS upgrades GET /ws/:session_id. The identity is fixed for the life of
// the socket; every inbound frame is checked against it.
func (a *API) serveWS(c *gin.Context) {
	sessionID := c.Param("session_id")
	username := strings.TrimSpace(c.GetHeader(HeaderUserID))
	role := registry.Role(strings.TrimSpace(c.GetHeader(HeaderRole)))

	if username == "" {
		c.String(http.StatusUnauthorized, "user_id header is required")
		return
	}
	switch role {
	case registry.RoleModerator, registry.RoleParticipant:
	case "":
		role = registry.RoleParticipant
	default:
		c.String(http.StatusBadRequest, "unknown role: %s", role)
		return
	}

	h := websocket.Handler(func(ws *websocket.Conn) {
		a.serveConn(ws, sessionID, username, role)
	})
	h.ServeHTTP(c.Writer, c.Request)
}

func (a *API) serveConn(ws *websocket.Conn, sessionID, username string, role registry.Role) {
	defer func() {
		_ = ws.Close()
	}()

	buffer := a.sendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	conn := registry.NewConnection(sessionID, username, role, buffer)

	ctx := ws.Request().Context()
	defer a.dispatcher.Disconnect(ctx, conn)

	// Writer goroutine: the only writer on the socket. It drains the
	// connection's outbound queue so slow readers back up their own queue,
	// never the bridge.
	go func() {
		for {
			select {
			case <-conn.Done():
				_ = ws.Close()
				return
			case frame := <-conn.Outbound():
				_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := websocket.Message.Send(ws, string(frame)); err != nil {
					conn.Close()
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		var raw []byte
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			if !stderrors.Is(err, io.EOF) {
				slog.InfoContext(ctx, "api: websocket read failed",
					"session", sessionID, "username", username, "error", err)
			}
			return
		}

		conn.Touch(time.Now())
		a.dispatcher.Handle(ctx, conn, raw)

		select {
		case <-conn.Done():
			return
		default:
		}
	}
}
