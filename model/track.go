package model

import "time"

// SourceYouTube 目前唯一支持的来源
const SourceYouTube = "youtube"

// PendingTitle 提供者尚未回传元数据时的占位标题
const PendingTitle = "Pending download"

// Track 曲目目录条目. 从不物理删除, 缓存被淘汰时只清空 FilePath.
type Track struct {
	ID          int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Source      string    `json:"source" gorm:"size:32;not null;uniqueIndex:idx_tracks_source"`
	SourceID    string    `json:"source_id" gorm:"size:64;not null;uniqueIndex:idx_tracks_source"`
	SourceURL   string    `json:"source_url" gorm:"size:512;not null"`
	Title       string    `json:"title" gorm:"size:512;not null"`
	Uploader    *string   `json:"uploader" gorm:"size:255"`
	DurationSec *float64  `json:"duration_sec"`
	FilePath    *string   `json:"-" gorm:"size:1024"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Track) TableName() string {
	return "tracks"
}

// HasFile 是否记录了本地文件 (不检查磁盘)
func (t *Track) HasFile() bool {
	return t != nil && t.FilePath != nil && *t.FilePath != ""
}

// TrackMetadata track_info / yt-dlp 回传的可更新字段
type TrackMetadata struct {
	SourceURL   string
	Title       string
	Uploader    *string
	DurationSec *float64
}

// TrackStat 播放统计, 每个曲目一行
type TrackStat struct {
	TrackID    int64      `json:"track_id" gorm:"primaryKey"`
	PlayCount  int64      `json:"play_count" gorm:"not null;default:0"`
	LastPlayed *time.Time `json:"last_played"`
}

// TableName 指定表名
func (TrackStat) TableName() string {
	return "track_stats"
}

// TrackView 推送给收听端和 HTTP 接口的曲目表示
type TrackView struct {
	ID          int64    `json:"id"`
	Source      string   `json:"source"`
	SourceID    string   `json:"source_id"`
	SourceURL   string   `json:"source_url"`
	Title       string   `json:"title"`
	Uploader    *string  `json:"uploader"`
	DurationSec *float64 `json:"duration_sec"`
	Ready       bool     `json:"ready"`
	QueueID     int64    `json:"queue_id,omitempty"`
	Position    int      `json:"position"`
	RequestedBy *string  `json:"requested_by"`
	IsFallback  bool     `json:"is_fallback,omitempty"`
}

// View 转换为展示结构
func (t *Track) View() TrackView {
	return TrackView{
		ID:          t.ID,
		Source:      t.Source,
		SourceID:    t.SourceID,
		SourceURL:   t.SourceURL,
		Title:       t.Title,
		Uploader:    t.Uploader,
		DurationSec: t.DurationSec,
		Ready:       t.HasFile(),
	}
}
