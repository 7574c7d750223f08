package models

import (
	"database/sql"
	"time"
)

type Post struct {
	ID              int64          `db:"id" json:"id"`
	UserID          int64          `db:"user_id" json:"user_id"`
	Content         string         `db:"content" json:"content"`
	MediaURLs       sql.NullString `db:"media_urls" json:"media_urls"`
	Status          string         `db:"status" json:"status"` // draft, scheduled, published, failed
	ScheduledFor    sql.NullString `db:"scheduled_for" json:"scheduled_for"`
	PublishedAt     sql.NullTime   `db:"published_at" json:"published_at"`
	Platforms       sql.NullString `db:"platforms" json:"platforms"`
	PlatformPostIDs sql.NullString `db:"platform_post_ids" json:"platform_post_ids"`
	Metadata        sql.NullString `db:"metadata" json:"metadata"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

type MediaAsset struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	FileName  string    `db:"file_name" json:"file_name"`
	FileType  string    `db:"file_type" json:"file_type"`
	FileSize  int64     `db:"file_size" json:"file_size"`
	FileURL   string    `db:"file_url" json:"file_url"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

const (
	PostStatusDraft     = "draft"
	PostStatusScheduled = "scheduled"
	PostStatusPublished = "published"
	PostStatusFailed    = "failed"
)
