package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mmuslimabdulj/board-presence/internal/auth"
	"github.com/mmuslimabdulj/board-presence/internal/delivery/ws"
	"github.com/mmuslimabdulj/board-presence/internal/presence"
)

var errMissingToken = errors.New("token required")

// isOriginAllowed checks if the origin is in the allowed list
func isOriginAllowed(origin string, allowed []string) bool {
	// Empty origin is allowed (non-browser clients)
	if origin == "" {
		return true
	}

	for _, a := range allowed {
		if a == "*" || origin == a {
			return true
		}
	}
	return false
}

// Handler serves the websocket endpoint and the read-only presence API
type Handler struct {
	gateway     *ws.Gateway
	registry    presence.Registry
	verifier    *auth.Verifier
	allowGuests bool
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

func NewHandler(gateway *ws.Gateway, registry presence.Registry, verifier *auth.Verifier, allowGuests bool, origins []string, logger *slog.Logger) *Handler {
	return &Handler{
		gateway:     gateway,
		registry:    registry,
		verifier:    verifier,
		allowGuests: allowGuests,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return isOriginAllowed(r.Header.Get("Origin"), origins)
			},
		},
		logger: logger,
	}
}

// bearerToken reads the access token from ?token= or the Authorization header
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return ""
}

// authenticate returns the pinned identity for the upgrade, or nil for guests
func (h *Handler) authenticate(r *http.Request) (*auth.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		if !h.allowGuests {
			return nil, errMissingToken
		}
		return nil, nil
	}
	if !h.verifier.Enabled() {
		// No secret configured: tokens cannot be checked, treat as guest
		return nil, nil
	}
	return h.verifier.Verify(token)
}

// HandleWebSocket upgrades HTTP to WebSocket and hands the connection to the gateway
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		h.logger.Warn("websocket auth failed", "error", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}

	client := ws.NewClient(h.gateway, conn, identity)
	h.gateway.Register(client)

	// Start read/write pumps in goroutines
	go client.WritePump()
	go client.ReadPump()
}

// HandleHealth reports liveness plus connection and registry counts
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]interface{}{
		"status":      "ok",
		"connections": h.gateway.ClientCount(),
	}

	users, err := h.registry.Count(ctx)
	if err != nil {
		h.logger.Error("health registry check failed", "error", err)
		resp["status"] = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp["users"] = users

	writeJSON(w, http.StatusOK, resp)
}

// HandleBoardPresence lists the users currently on one board
func (h *Handler) HandleBoardPresence(w http.ResponseWriter, r *http.Request) {
	boardID := chi.URLParam(r, "boardID")
	if !ws.ValidBoardID(boardID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid board id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	entries, err := h.registry.OnBoard(ctx, boardID, "")
	if err != nil {
		h.logger.Error("board presence lookup failed", "board", boardID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "presence unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"boardId": boardID,
		"users":   presence.Users(entries),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
