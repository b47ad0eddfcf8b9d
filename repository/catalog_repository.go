package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ChansonFM/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// recentHistoryWindow 随机选曲时排除的最近播放条数
const recentHistoryWindow = 100

// CatalogRepository 曲目目录、队列、历史与屏蔽表的数据访问接口
type CatalogRepository interface {
	// 曲目
	GetTrackByID(ctx context.Context, id int64) (*model.Track, error)
	GetTrackBySource(ctx context.Context, source, sourceID string) (*model.Track, error)
	GetTracksBySourceIDs(ctx context.Context, source string, sourceIDs []string) ([]*model.Track, error)
	InsertTrack(ctx context.Context, track *model.Track) error
	UpdateTrackFilePath(ctx context.Context, id int64, path *string) error
	UpdateTrackFilePathBySource(ctx context.Context, source, sourceID string, path *string) error
	UpdateTrackMetadataBySource(ctx context.Context, source, sourceID string, meta model.TrackMetadata) error
	ListTracksWithFile(ctx context.Context) ([]*model.Track, error)
	PickUnplayedTracks(ctx context.Context, limit int) ([]*model.Track, error)

	// 队列
	ListQueue(ctx context.Context) ([]*model.QueueItem, error)
	PeekQueue(ctx context.Context) (*model.QueueItem, error)
	AppendQueue(ctx context.Context, trackID int64, requestedBy *string) (*model.QueueItem, error)
	RemoveQueueItem(ctx context.Context, id int64) error
	RemoveQueueByTrackID(ctx context.Context, trackID int64) (int, error)
	RemoveQueueBySource(ctx context.Context, source, sourceID string) (int, error)
	ClearQueue(ctx context.Context) error

	// 播放历史
	AppendHistory(ctx context.Context, trackID int64, requestedBy *string, source string) error
	RecentHistory(ctx context.Context, limit int) ([]*model.PlayHistory, error)
	GetTrackStat(ctx context.Context, trackID int64) (*model.TrackStat, error)

	// 屏蔽表
	ListBlacklist(ctx context.Context) ([]*model.BlacklistEntry, error)
	UpsertBlacklist(ctx context.Context, entry *model.BlacklistEntry) (*model.BlacklistEntry, error)
	RemoveBlacklist(ctx context.Context, source, sourceID string) (bool, error)
	IsBlacklisted(ctx context.Context, source, sourceID string) (bool, error)
}

// gormCatalogRepository GORM 实现
type gormCatalogRepository struct {
	db *gorm.DB
}

// NewGormCatalogRepository 创建 GORM 目录仓库
func NewGormCatalogRepository(db *gorm.DB) CatalogRepository {
	return &gormCatalogRepository{db: db}
}

// ========== 曲目 ==========

func (r *gormCatalogRepository) GetTrackByID(ctx context.Context, id int64) (*model.Track, error) {
	var track model.Track
	err := r.db.WithContext(ctx).First(&track, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &track, nil
}

// GetTrackBySource 按来源查找, 不存在返回 nil, nil
func (r *gormCatalogRepository) GetTrackBySource(ctx context.Context, source, sourceID string) (*model.Track, error) {
	var track model.Track
	err := r.db.WithContext(ctx).
		Where("source = ? AND source_id = ?", source, sourceID).
		First(&track).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &track, nil
}

func (r *gormCatalogRepository) GetTracksBySourceIDs(ctx context.Context, source string, sourceIDs []string) ([]*model.Track, error) {
	var tracks []*model.Track
	if len(sourceIDs) == 0 {
		return tracks, nil
	}
	err := r.db.WithContext(ctx).
		Where("source = ? AND source_id IN ?", source, sourceIDs).
		Find(&tracks).Error
	return tracks, err
}

func (r *gormCatalogRepository) InsertTrack(ctx context.Context, track *model.Track) error {
	return r.db.WithContext(ctx).Create(track).Error
}

func (r *gormCatalogRepository) UpdateTrackFilePath(ctx context.Context, id int64, path *string) error {
	return r.db.WithContext(ctx).Model(&model.Track{}).
		Where("id = ?", id).
		Update("file_path", path).Error
}

func (r *gormCatalogRepository) UpdateTrackFilePathBySource(ctx context.Context, source, sourceID string, path *string) error {
	return r.db.WithContext(ctx).Model(&model.Track{}).
		Where("source = ? AND source_id = ?", source, sourceID).
		Update("file_path", path).Error
}

// UpdateTrackMetadataBySource 更新元数据; 空字段保持原值
func (r *gormCatalogRepository) UpdateTrackMetadataBySource(ctx context.Context, source, sourceID string, meta model.TrackMetadata) error {
	updates := map[string]interface{}{}
	if meta.SourceURL != "" {
		updates["source_url"] = meta.SourceURL
	}
	if meta.Title != "" {
		updates["title"] = meta.Title
	}
	if meta.Uploader != nil {
		updates["uploader"] = *meta.Uploader
	}
	if meta.DurationSec != nil {
		updates["duration_sec"] = *meta.DurationSec
	}
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&model.Track{}).
		Where("source = ? AND source_id = ?", source, sourceID).
		Updates(updates).Error
}

func (r *gormCatalogRepository) ListTracksWithFile(ctx context.Context) ([]*model.Track, error) {
	var tracks []*model.Track
	err := r.db.WithContext(ctx).
		Where("file_path IS NOT NULL AND file_path <> ''").
		Order("id ASC").
		Find(&tracks).Error
	return tracks, err
}

// PickUnplayedTracks 随机挑选有本地文件、最近未播放且未被屏蔽的曲目
func (r *gormCatalogRepository) PickUnplayedTracks(ctx context.Context, limit int) ([]*model.Track, error) {
	db := r.db.WithContext(ctx)

	recent := db.Model(&model.PlayHistory{}).
		Select("track_id").
		Order("played_at DESC, id DESC").
		Limit(recentHistoryWindow)

	var recentIDs []int64
	if err := recent.Pluck("track_id", &recentIDs).Error; err != nil {
		return nil, err
	}

	query := db.Model(&model.Track{}).
		Where("file_path IS NOT NULL AND file_path <> ''").
		Where("NOT EXISTS (SELECT 1 FROM blacklist b WHERE b.source = tracks.source AND b.source_id = tracks.source_id)")
	if len(recentIDs) > 0 {
		query = query.Where("id NOT IN ?", recentIDs)
	}

	var tracks []*model.Track
	err := query.Order(randomOrder(db)).Limit(limit).Find(&tracks).Error
	return tracks, err
}

func randomOrder(db *gorm.DB) string {
	if db.Dialector.Name() == "mysql" {
		return "RAND()"
	}
	return "RANDOM()"
}

// ========== 队列 ==========

// ListQueue 按位置返回队列, 预加载曲目
func (r *gormCatalogRepository) ListQueue(ctx context.Context) ([]*model.QueueItem, error) {
	var items []*model.QueueItem
	err := r.db.WithContext(ctx).
		Preload("Track").
		Order("position ASC").
		Find(&items).Error
	return items, err
}

// PeekQueue 返回位置最小的条目, 队列为空时返回 nil, nil
func (r *gormCatalogRepository) PeekQueue(ctx context.Context) (*model.QueueItem, error) {
	var item model.QueueItem
	err := r.db.WithContext(ctx).
		Preload("Track").
		Order("position ASC").
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// AppendQueue 追加到队尾, 位置为当前最大值加一
func (r *gormCatalogRepository) AppendQueue(ctx context.Context, trackID int64, requestedBy *string) (*model.QueueItem, error) {
	item := &model.QueueItem{
		TrackID:     trackID,
		RequestedBy: requestedBy,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPos sql.NullInt64
		if err := tx.Model(&model.QueueItem{}).Select("MAX(position)").Row().Scan(&maxPos); err != nil {
			return err
		}
		if maxPos.Valid {
			item.Position = int(maxPos.Int64) + 1
		}
		return tx.Create(item).Error
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// RemoveQueueItem 删除条目并把后面的位置前移一位
func (r *gormCatalogRepository) RemoveQueueItem(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := removeAndCompact(tx, id)
		return err
	})
}

// removeAndCompact 在事务内删除一行并压缩位置, 行不存在时返回 false
func removeAndCompact(tx *gorm.DB, id int64) (bool, error) {
	var item model.QueueItem
	if err := tx.First(&item, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := tx.Delete(&model.QueueItem{}, item.ID).Error; err != nil {
		return false, err
	}
	err := tx.Model(&model.QueueItem{}).
		Where("position > ?", item.Position).
		Update("position", gorm.Expr("position - 1")).Error
	return err == nil, err
}

// RemoveQueueByTrackID 删除某曲目的所有队列行
func (r *gormCatalogRepository) RemoveQueueByTrackID(ctx context.Context, trackID int64) (int, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.QueueItem{}).
		Where("track_id = ?", trackID).
		Order("position ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	return r.removeIDs(ctx, ids)
}

// RemoveQueueBySource 删除来源匹配的所有队列行
func (r *gormCatalogRepository) RemoveQueueBySource(ctx context.Context, source, sourceID string) (int, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.QueueItem{}).
		Joins("JOIN tracks ON tracks.id = queue.track_id").
		Where("tracks.source = ? AND tracks.source_id = ?", source, sourceID).
		Order("queue.position ASC").
		Pluck("queue.id", &ids).Error
	if err != nil {
		return 0, err
	}
	return r.removeIDs(ctx, ids)
}

func (r *gormCatalogRepository) removeIDs(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	removed := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 从后往前删除, 每次压缩只影响更靠后的条目
		for i := len(ids) - 1; i >= 0; i-- {
			ok, err := removeAndCompact(tx, ids[i])
			if err != nil {
				return err
			}
			if ok {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (r *gormCatalogRepository) ClearQueue(ctx context.Context) error {
	return r.db.WithContext(ctx).Where("1 = 1").Delete(&model.QueueItem{}).Error
}

// ========== 播放历史 ==========

// AppendHistory 写入一条播放记录并累加统计
func (r *gormCatalogRepository) AppendHistory(ctx context.Context, trackID int64, requestedBy *string, source string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := &model.PlayHistory{
			TrackID:     trackID,
			RequestedBy: requestedBy,
			Source:      source,
			PlayedAt:    now,
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		stat := &model.TrackStat{TrackID: trackID, PlayCount: 1, LastPlayed: &now}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "track_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"play_count":  gorm.Expr("play_count + 1"),
				"last_played": now,
			}),
		}).Create(stat).Error
	})
}

func (r *gormCatalogRepository) RecentHistory(ctx context.Context, limit int) ([]*model.PlayHistory, error) {
	var entries []*model.PlayHistory
	err := r.db.WithContext(ctx).
		Order("played_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *gormCatalogRepository) GetTrackStat(ctx context.Context, trackID int64) (*model.TrackStat, error) {
	var stat model.TrackStat
	err := r.db.WithContext(ctx).First(&stat, "track_id = ?", trackID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &stat, nil
}

// ========== 屏蔽表 ==========

func (r *gormCatalogRepository) ListBlacklist(ctx context.Context) ([]*model.BlacklistEntry, error) {
	var entries []*model.BlacklistEntry
	err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&entries).Error
	return entries, err
}

// UpsertBlacklist 按 (source, source_id) 写入, 已存在时更新 reason 和 url
func (r *gormCatalogRepository) UpsertBlacklist(ctx context.Context, entry *model.BlacklistEntry) (*model.BlacklistEntry, error) {
	db := r.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source"}, {Name: "source_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"source_url", "reason", "updated_at"}),
	}).Create(entry).Error
	if err != nil {
		return nil, err
	}

	var stored model.BlacklistEntry
	if err := db.Where("source = ? AND source_id = ?", entry.Source, entry.SourceID).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

// RemoveBlacklist 删除屏蔽项, 返回是否存在
func (r *gormCatalogRepository) RemoveBlacklist(ctx context.Context, source, sourceID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("source = ? AND source_id = ?", source, sourceID).
		Delete(&model.BlacklistEntry{})
	return res.RowsAffected > 0, res.Error
}

func (r *gormCatalogRepository) IsBlacklisted(ctx context.Context, source, sourceID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.BlacklistEntry{}).
		Where("source = ? AND source_id = ?", source, sourceID).
		Count(&count).Error
	return count > 0, err
}
