package models

import "time"

// Friend is a directed "UserID lists FriendID as a contact" edge. The index on
// friend_id serves reverse lookups.
type Friend struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       string    `gorm:"size:64;not null;index:idx_friend_pair,unique" json:"user_id"`
	FriendID     string    `gorm:"size:64;not null;index:idx_friend_pair,unique;index:idx_friend_reverse" json:"friend_id"`
	FriendEmail  string    `gorm:"size:255" json:"friend_email"`
	FriendHandle string    `gorm:"size:64" json:"friend_handle"`
	CreatedAt    time.Time `json:"created_at"`
}

func (Friend) TableName() string {
	return "friends"
}

func (f *Friend) Contact() Contact {
	return Contact{ID: f.FriendID, Email: f.FriendEmail, Handle: f.FriendHandle}
}
