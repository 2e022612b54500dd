package room

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/slichti/studio-chat/logger"
	"github.com/slichti/studio-chat/service/auth"
	errs "github.com/slichti/studio-chat/tools/errs"
	"github.com/slichti/studio-chat/tools/safe"
)

// Gateway is the upgrade endpoint. Credentials ride in the query string
// because the browser WebSocket API cannot attach handshake headers; the
// validator interface isolates that choice so a pre-upgrade ticket
// exchange could replace it without touching room code.
type Gateway struct {
	validator auth.Validator
	registry  *Registry
	upgrader  websocket.Upgrader
}

func NewGateway(validator auth.Validator, registry *Registry, allowedOrigins []string) *Gateway {
	return &Gateway{
		validator: validator,
		registry:  registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// HandleWS serves GET /ws/rooms/:roomId?token=...&tenantSlug=...
//
// Authentication happens before the upgrade: a rejected handshake is a
// plain HTTP error and no session, presence event or socket ever exists.
func (g *Gateway) HandleWS(c *gin.Context) {
	roomID := c.Param("roomId")
	token := c.Query("token")
	tenantSlug := c.Query("tenantSlug")

	identity, err := g.validator.Validate(c.Request.Context(), token, tenantSlug)
	if err != nil {
		ce := errs.CodeOf(err)
		if ce == nil {
			ce = errs.ErrTokenInvalid
		}
		status := http.StatusUnauthorized
		if ce.Code == errs.CodeTenantMismatch {
			status = http.StatusForbidden
		}
		logger.Warnf("[gateway] rejected upgrade room=%s tenant=%s: %v", roomID, tenantSlug, err)
		c.AbortWithStatusJSON(status, ce)
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// non-websocket request or handshake failure; Upgrade already
		// answered the client
		logger.Infof("[gateway] upgrade failed room=%s: %v", roomID, err)
		return
	}

	sess := NewSession(ws, *identity, g.registry.cfg.SendQueueSize)
	safe.Go(sess.WritePump)

	co, err := g.registry.Join(tenantSlug, roomID, sess)
	if err != nil {
		logger.Errorf("[gateway] join failed room=%s user=%s: %v", roomID, identity.UserID, err)
		sess.Close()
		return
	}

	// read loop runs on the handler goroutine; returning implies Leave
	sess.ReadLoop(co)
}

// originChecker allows same-host and configured origins; an empty list
// allows everything (dev).
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "") {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
