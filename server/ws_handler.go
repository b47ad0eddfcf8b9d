package server

import (
	"net/http"

	"ChansonFM/logger"
)

// ListenerWSHandler 收听端 WebSocket
func (s *Server) ListenerWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	s.deps.Hub.Serve(r.Context(), conn)
}

// ProviderWSHandler 提供者 WebSocket, 令牌和模式在升级前检查
func (s *Server) ProviderWSHandler(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Provider.External() {
		http.Error(w, "Provider disabled", http.StatusNotFound)
		return
	}
	if !s.deps.Provider.Authorized(r.URL.Query().Get("token")) {
		logger.Warn("[Provider] rejected connection with bad token", logger.String("ip", clientIP(r)))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("provider websocket upgrade failed", logger.ErrorField(err))
		return
	}
	s.deps.Provider.Serve(r.Context(), conn)
}
