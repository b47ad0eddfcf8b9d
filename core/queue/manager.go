// Package queue 维护持久化的点播队列并向订阅者推送快照.
package queue

import (
	"context"
	"fmt"
	"os"
	"sync"

	"ChansonFM/logger"
	"ChansonFM/model"
	"ChansonFM/repository"
)

// Publisher 接收队列快照
type Publisher interface {
	PublishQueue(queue []model.TrackView)
}

// Manager 队列的唯一写入者. 每次变更后重新读取并按顺序推送.
type Manager struct {
	repo repository.CatalogRepository

	mu         sync.Mutex
	snapshot   []model.TrackView
	publishers []Publisher
}

// NewManager creates a new queue manager.
func NewManager(repo repository.CatalogRepository, publishers ...Publisher) *Manager {
	return &Manager{repo: repo, publishers: publishers}
}

// AddPublisher 注册额外的快照订阅者, 需在 Load 之前调用
func (m *Manager) AddPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers = append(m.publishers, p)
}

// Load 启动时读取持久化队列
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.refreshLocked(ctx); err != nil {
		return err
	}
	logger.Info("queue loaded", logger.Int("length", len(m.snapshot)))
	return nil
}

// Enqueue 追加到队尾
func (m *Manager) Enqueue(ctx context.Context, track *model.Track, requestedBy *string) (*model.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.repo.AppendQueue(ctx, track.ID, requestedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue track %d: %w", track.ID, err)
	}
	item.Track = track
	if err := m.refreshLocked(ctx); err != nil {
		return nil, err
	}
	logger.Info("[Queue] track enqueued",
		logger.Int64("track_id", track.ID),
		logger.String("source_id", track.SourceID),
		logger.Int("position", item.Position))
	return item, nil
}

// DequeueNext 取出队首. 队首文件尚未就绪时返回 nil 且不移除.
// claim 非空时在移除之前(持锁)以队首来源 ID 调用, 调用方借此在移除后继续保护该文件.
func (m *Manager) DequeueNext(ctx context.Context, claim func(sourceID string)) (*model.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, err := m.repo.PeekQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to peek queue: %w", err)
	}
	if head == nil || head.Track == nil || !head.Track.HasFile() {
		return nil, nil
	}
	if _, err := os.Stat(*head.Track.FilePath); err != nil {
		return nil, nil
	}

	if claim != nil {
		claim(head.Track.SourceID)
	}
	if err := m.repo.RemoveQueueItem(ctx, head.ID); err != nil {
		return nil, fmt.Errorf("failed to remove queue item %d: %w", head.ID, err)
	}
	if err := m.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return head, nil
}

// PurgeBySource 删除某个来源的全部队列条目
func (m *Manager) PurgeBySource(ctx context.Context, source, sourceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.repo.RemoveQueueBySource(ctx, source, sourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge %s/%s from queue: %w", source, sourceID, err)
	}
	return n, m.refreshLocked(ctx)
}

// RemoveTrack 删除某个曲目的全部队列条目
func (m *Manager) RemoveTrack(ctx context.Context, trackID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.repo.RemoveQueueByTrackID(ctx, trackID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove track %d from queue: %w", trackID, err)
	}
	return n, m.refreshLocked(ctx)
}

// Refresh 重新读取并推送, 曲目元数据变化后调用
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	items, err := m.repo.ListQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to list queue: %w", err)
	}
	views := make([]model.TrackView, 0, len(items))
	for _, item := range items {
		views = append(views, item.View())
	}
	m.snapshot = views

	for _, p := range m.publishers {
		p.PublishQueue(m.copyLocked())
	}
	return nil
}

func (m *Manager) copyLocked() []model.TrackView {
	out := make([]model.TrackView, len(m.snapshot))
	copy(out, m.snapshot)
	return out
}

// Snapshot 返回最近一次快照的副本
func (m *Manager) Snapshot() []model.TrackView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked()
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshot)
}

// SourceIDs 队列中出现的来源 ID 集合
func (m *Manager) SourceIDs() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]struct{}, len(m.snapshot))
	for _, v := range m.snapshot {
		if v.SourceID != "" {
			ids[v.SourceID] = struct{}{}
		}
	}
	return ids
}
