package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"ChansonFM/core/diskcache"
	"ChansonFM/core/source"
	"ChansonFM/logger"
	"ChansonFM/model"

	"github.com/gorilla/mux"
)

// GetBlacklistHandler 屏蔽列表
func (s *Server) GetBlacklistHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Repo.ListBlacklist(r.Context())
	if err != nil {
		logger.Error("获取屏蔽列表失败", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*model.BlacklistEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blacklist": entries})
}

type blacklistRequest struct {
	URL      *string `json:"url"`
	SourceID *string `json:"source_id"`
	Reason   *string `json:"reason"`
}

func trimmed(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}

// PostBlacklistHandler 屏蔽一个来源, 同时从队列中移除
func (s *Server) PostBlacklistHandler(w http.ResponseWriter, r *http.Request) {
	var req blacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	sourceID := trimmed(req.SourceID)
	sourceURL := trimmed(req.URL)
	if sourceURL != nil {
		ref, err := source.Normalize(*sourceURL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid youtube url")
			return
		}
		sourceID = &ref.ID
		sourceURL = &ref.URL
	}
	if sourceID == nil {
		writeError(w, http.StatusBadRequest, "source_id or url required")
		return
	}
	if !source.ValidID(*sourceID) {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}

	ctx := r.Context()
	entry, err := s.deps.Repo.UpsertBlacklist(ctx, &model.BlacklistEntry{
		Source:    model.SourceYouTube,
		SourceID:  *sourceID,
		SourceURL: sourceURL,
		Reason:    trimmed(req.Reason),
	})
	if err != nil {
		logger.Error("写入屏蔽列表失败", logger.String("source_id", *sourceID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	removed, err := s.deps.Queue.PurgeBySource(ctx, model.SourceYouTube, *sourceID)
	if err != nil {
		logger.Error("从队列移除失败", logger.String("source_id", *sourceID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Info("[Admin] source blacklisted", logger.String("source_id", *sourceID), logger.Int("queue_removed", removed))
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "entry": entry})
}

// DeleteBlacklistHandler 取消屏蔽
func (s *Server) DeleteBlacklistHandler(w http.ResponseWriter, r *http.Request) {
	sourceID := mux.Vars(r)["sourceId"]
	if sourceID == "" {
		writeError(w, http.StatusBadRequest, "missing source id")
		return
	}
	removed, err := s.deps.Repo.RemoveBlacklist(r.Context(), model.SourceYouTube, sourceID)
	if err != nil {
		logger.Error("删除屏蔽失败", logger.String("source_id", sourceID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "removed": removed})
}

// GetCacheHandler 磁盘缓存列表
func (s *Server) GetCacheHandler(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Cache.List(r.Context())
	if err != nil {
		logger.Error("获取缓存列表失败", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []diskcache.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}
