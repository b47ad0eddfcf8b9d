package model

import "time"

// 播放来源
const (
	PlaySourceManual   = "manual"
	PlaySourceFallback = "fallback"
)

// PlayHistory 播放历史, 只追加
type PlayHistory struct {
	ID          int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	TrackID     int64     `json:"track_id" gorm:"not null;index"`
	RequestedBy *string   `json:"requested_by" gorm:"size:128"`
	Source      string    `json:"source" gorm:"size:16;not null;default:'manual'"`
	PlayedAt    time.Time `json:"played_at" gorm:"not null;index"`
}

// TableName 指定表名
func (PlayHistory) TableName() string {
	return "play_history"
}
