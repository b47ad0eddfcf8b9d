package model

import "time"

// QueueItem 待播队列行. Position 始终是从 0 开始的连续序号.
type QueueItem struct {
	ID          int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	TrackID     int64     `json:"track_id" gorm:"not null;index"`
	Track       *Track    `json:"track,omitempty" gorm:"foreignKey:TrackID"`
	Position    int       `json:"position" gorm:"not null;index:idx_queue_position"`
	RequestedBy *string   `json:"requested_by" gorm:"size:128"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName 指定表名
func (QueueItem) TableName() string {
	return "queue"
}

// View 转换为展示结构, Track 需已预加载
func (q *QueueItem) View() TrackView {
	var v TrackView
	if q.Track != nil {
		v = q.Track.View()
	} else {
		v.ID = q.TrackID
	}
	v.QueueID = q.ID
	v.Position = q.Position
	v.RequestedBy = q.RequestedBy
	return v
}
