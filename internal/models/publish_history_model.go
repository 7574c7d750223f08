package models

import "time"

// PublishHistory records one publication attempt against one platform.
type PublishHistory struct {
	ID             string    `db:"id" json:"id"`
	UserID         int64     `db:"user_id" json:"user_id"`
	PostID         int64     `db:"post_id" json:"post_id"`
	Platform       string    `db:"platform" json:"platform"`
	ExternalPostID string    `db:"external_post_id" json:"external_post_id"`
	ErrorMessage   string    `db:"error_message" json:"error_message"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
