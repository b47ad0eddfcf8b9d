// Package diskcache 管理下载目录中的音频文件, 按总大小做 LRU 式淘汰.
package diskcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ChansonFM/core/audio"
	"ChansonFM/logger"
	"ChansonFM/model"
	"ChansonFM/repository"
)

// Entry 缓存目录中的一个音频文件
type Entry struct {
	SourceID string
	Path     string
	Size     int64
	ModTime  time.Time
}

// Archiver 淘汰前把文件复制到冷存储
type Archiver interface {
	Archive(ctx context.Context, sourceID, path string) error
}

// PruneResult 一次淘汰的统计
type PruneResult struct {
	TotalBefore int64
	TotalAfter  int64
	Deleted     []string
}

// Item 管理接口返回的缓存条目
type Item struct {
	SourceID    string   `json:"source_id"`
	SourceURL   *string  `json:"source_url"`
	Title       string   `json:"title"`
	Uploader    *string  `json:"uploader"`
	DurationSec *float64 `json:"duration_sec"`
	MtimeMs     int64    `json:"mtime_ms"`
	SizeBytes   int64    `json:"size_bytes"`
	Blacklisted bool     `json:"blacklisted"`
}

// Scan 列出目录中的 *.opus 文件, 读取失败的条目跳过
func Scan(dir string) ([]Entry, int64, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read cache dir %s: %w", dir, err)
	}

	var entries []Entry
	var total int64
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, audio.FileExt) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			SourceID: strings.TrimSuffix(name, audio.FileExt),
			Path:     filepath.Join(dir, name),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
		total += info.Size()
	}
	return entries, total, nil
}

// Manager 缓存淘汰与查询
type Manager struct {
	dir      string
	repo     repository.CatalogRepository
	archiver Archiver
}

// NewManager 创建缓存管理器, archiver 可以为 nil
func NewManager(dir string, repo repository.CatalogRepository, archiver Archiver) *Manager {
	return &Manager{dir: dir, repo: repo, archiver: archiver}
}

// Dir 返回缓存目录
func (m *Manager) Dir() string {
	return m.dir
}

// Prune 总大小超出 maxBytes 时从最旧的文件开始删除, protected 中的来源 ID 不删除
func (m *Manager) Prune(ctx context.Context, maxBytes int64, protected map[string]struct{}) (PruneResult, error) {
	entries, total, err := Scan(m.dir)
	if err != nil {
		return PruneResult{}, err
	}
	result := PruneResult{TotalBefore: total, TotalAfter: total}
	if total <= maxBytes {
		return result, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.Before(entries[j].ModTime)
	})

	for _, e := range entries {
		if total <= maxBytes {
			break
		}
		if _, ok := protected[e.SourceID]; ok {
			continue
		}

		if m.archiver != nil {
			if err := m.archiver.Archive(ctx, e.SourceID, e.Path); err != nil {
				logger.Warn("archive before eviction failed",
					logger.String("source_id", e.SourceID),
					logger.ErrorField(err))
			}
		}

		if err := os.Remove(e.Path); err != nil {
			logger.Warn("删除缓存文件失败", logger.String("path", e.Path), logger.ErrorField(err))
			continue
		}
		if err := m.repo.UpdateTrackFilePathBySource(ctx, model.SourceYouTube, e.SourceID, nil); err != nil {
			logger.Error("failed to clear track file path",
				logger.String("source_id", e.SourceID),
				logger.ErrorField(err))
		}
		total -= e.Size
		result.Deleted = append(result.Deleted, e.SourceID)
	}
	result.TotalAfter = total

	logger.Info("[Cache] prune finished",
		logger.Int64("before", result.TotalBefore),
		logger.Int64("after", result.TotalAfter),
		logger.Int64("budget", maxBytes),
		logger.Int("deleted", len(result.Deleted)))
	return result, nil
}

// List 返回缓存文件及其目录信息, 最新的在前
func (m *Manager) List(ctx context.Context) ([]Item, error) {
	entries, _, err := Scan(m.dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.After(entries[j].ModTime)
	})

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.SourceID)
	}
	tracks, err := m.repo.GetTracksBySourceIDs(ctx, model.SourceYouTube, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load cached tracks: %w", err)
	}
	byID := make(map[string]*model.Track, len(tracks))
	for _, t := range tracks {
		byID[t.SourceID] = t
	}

	blocked := map[string]bool{}
	list, err := m.repo.ListBlacklist(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load blacklist: %w", err)
	}
	for _, b := range list {
		if b.Source == model.SourceYouTube {
			blocked[b.SourceID] = true
		}
	}

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		item := Item{
			SourceID:    e.SourceID,
			Title:       "Unknown",
			MtimeMs:     e.ModTime.UnixMilli(),
			SizeBytes:   e.Size,
			Blacklisted: blocked[e.SourceID],
		}
		if t, ok := byID[e.SourceID]; ok {
			url := t.SourceURL
			item.SourceURL = &url
			if t.Title != "" {
				item.Title = t.Title
			}
			item.Uploader = t.Uploader
			item.DurationSec = t.DurationSec
		}
		items = append(items, item)
	}
	return items, nil
}
