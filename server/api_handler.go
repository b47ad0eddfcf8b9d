package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"ChansonFM/core/errs"
	"ChansonFM/core/source"
	"ChansonFM/logger"

	"github.com/gorilla/mux"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// HealthHandler 存活检查
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

type iceServer struct {
	URLs []string `json:"urls"`
}

// ConfigHandler 收听页需要的 ICE 服务器和提供者状态
func (s *Server) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	servers := []iceServer{}
	if len(s.cfg.StunURLs) > 0 {
		servers = append(servers, iceServer{URLs: s.cfg.StunURLs})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ice_servers": servers,
		"provider":    s.deps.Provider.Status(),
	})
}

// GetQueueHandler 当前队列
func (s *Server) GetQueueHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"queue": s.deps.Queue.Snapshot()})
}

type queueRequest struct {
	URL         string  `json:"url"`
	RequestedBy *string `json:"requested_by"`
}

// PostQueueHandler 点播一首歌
func (s *Server) PostQueueHandler(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if req.RequestedBy != nil {
		name := strings.TrimSpace(*req.RequestedBy)
		if name == "" {
			req.RequestedBy = nil
		} else {
			req.RequestedBy = &name
		}
	}

	track, err := s.deps.Resolver.Request(r.Context(), req.URL, req.RequestedBy)
	if err != nil {
		status := errs.HTTPStatus(err)
		if status >= http.StatusInternalServerError && !errors.Is(err, errs.ErrProviderUnavailable) {
			logger.Error("[API] queue request failed", logger.String("url", req.URL), logger.ErrorField(err))
		} else {
			logger.Warn("[API] queue request rejected", logger.String("url", req.URL), logger.ErrorField(err))
		}
		writeError(w, status, err.Error())
		return
	}

	logger.Info("[API] track queued", logger.String("source_id", track.SourceID), logger.Bool("ready", track.HasFile()))
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "track": track.View()})
}

// NowPlayingHandler 正在播放, 空闲时为 null
func (s *Server) NowPlayingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"now_playing": s.deps.Player.NowPlaying()})
}

// SkipHandler 切到下一首
func (s *Server) SkipHandler(w http.ResponseWriter, r *http.Request) {
	skipped := s.deps.Player.Skip()
	logger.Info("[API] skip requested", logger.Bool("skipped", skipped))
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "skipped": skipped})
}

// ProviderUploadHandler 提供者通过 HTTP 上传音频
func (s *Server) ProviderUploadHandler(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Provider.External() {
		writeError(w, http.StatusNotFound, "provider disabled")
		return
	}
	if !s.deps.Provider.Authorized(r.URL.Query().Get("token")) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sourceID := mux.Vars(r)["sourceId"]
	if !source.ValidID(sourceID) {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}

	n, err := s.deps.Provider.StoreUpload(r.Context(), sourceID, r.Body)
	if err != nil {
		if errors.Is(err, errs.ErrEmptyUpload) {
			writeError(w, http.StatusBadRequest, "empty upload")
			return
		}
		logger.Error("[API] provider upload failed", logger.String("source_id", sourceID), logger.ErrorField(err))
		writeError(w, errs.HTTPStatus(err), err.Error())
		return
	}
	logger.Info("[API] provider upload stored", logger.String("source_id", sourceID), logger.Int64("bytes", n))
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
