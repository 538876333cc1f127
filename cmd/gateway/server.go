package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/common/cache"
	"github.com/lyzr/meshcore/common/logger"
	"github.com/lyzr/meshcore/common/ratelimit"
	"github.com/lyzr/meshcore/common/validation"
	"github.com/lyzr/meshcore/meshenvelope"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The fronting proxy enforces origin policy.
		return true
	},
}

// Server terminates client WebSockets and turns their frames into mesh
// calls. The token the fronting auth layer attaches is parsed into the
// origin auth carried on every call the client initiates.
type Server struct {
	hub       *Hub
	transport meshenvelope.Transport
	validator *validation.FrameValidator
	limiter   *ratelimit.RateLimiter
	tokens    cache.Cache
	log       *logger.Logger
}

// NewServer creates a new Server instance
func NewServer(hub *Hub, transport meshenvelope.Transport, validator *validation.FrameValidator, limiter *ratelimit.RateLimiter, tokens cache.Cache, log *logger.Logger) *Server {
	return &Server{
		hub:       hub,
		transport: transport,
		validator: validator,
		limiter:   limiter,
		tokens:    tokens,
		log:       log,
	}
}

// HandleWebSocket handles WebSocket upgrade and registration
// URL: /ws?token=<verified token>
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token query parameter required", http.StatusBadRequest)
		return
	}

	auth, err := s.parseToken(r.Context(), token)
	if err != nil {
		s.log.Warn("rejected websocket with bad token", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, auth.UserID, auth, s, s.log)
	s.hub.register <- client

	s.log.Info("new websocket connection", "client_id", auth.UserID, "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump(context.Background())
}

// parseToken decodes a verified token into origin auth. The fronting auth
// layer has already checked the signature; the gateway only extracts the
// identity. Parsed tokens are cached so reconnect storms don't re-decode
// the same token.
func (s *Server) parseToken(ctx context.Context, token string) (*callctx.OriginAuth, error) {
	if s.tokens != nil {
		if cached, ok, _ := s.tokens.Get(ctx, "token:"+token); ok {
			var auth callctx.OriginAuth
			if err := json.Unmarshal(cached, &auth); err == nil {
				return &auth, nil
			}
		}
	}

	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(decoded) {
		return nil, errInvalidToken
	}
	parsed := gjson.ParseBytes(decoded)
	userID := parsed.Get("userId").String()
	if userID == "" {
		return nil, errInvalidToken
	}

	auth := &callctx.OriginAuth{UserID: userID}
	if claims := parsed.Get("claims"); claims.IsObject() {
		auth.Claims = make(map[string]interface{})
		if err := json.Unmarshal([]byte(claims.Raw), &auth.Claims); err != nil {
			return nil, err
		}
	}

	if s.tokens != nil {
		if data, err := json.Marshal(auth); err == nil {
			_ = s.tokens.Set(ctx, "token:"+token, data, 5*time.Minute)
		}
	}
	return auth, nil
}

type invalidTokenError struct{}

func (invalidTokenError) Error() string { return "token is not a valid identity document" }

var errInvalidToken = invalidTokenError{}

// HandleHealth reports gateway liveness and connection counts
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"connections": s.hub.ConnectionCount(),
	})
}
