package model

import "time"

// BlacklistEntry 屏蔽的来源. (source, source_id) 唯一, 重复写入时更新 reason 和 url.
type BlacklistEntry struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Source    string    `json:"source" gorm:"size:32;not null;uniqueIndex:idx_blacklist_source"`
	SourceID  string    `json:"source_id" gorm:"size:64;not null;uniqueIndex:idx_blacklist_source"`
	SourceURL *string   `json:"source_url" gorm:"size:512"`
	Reason    *string   `json:"reason" gorm:"size:512"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (BlacklistEntry) TableName() string {
	return "blacklist"
}
