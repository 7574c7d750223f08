package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/postpilot/postpilot/internal/models"
)

type PublishHistoryRepository interface {
	Create(ctx context.Context, ph *models.PublishHistory) error
	GetByPostID(ctx context.Context, postID int64) ([]*models.PublishHistory, error)
	GetByUserID(ctx context.Context, userID int64) ([]*models.PublishHistory, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type publishHistoryRepository struct {
	db *sql.DB
}

func NewPublishHistoryRepository(db *sql.DB) PublishHistoryRepository {
	return &publishHistoryRepository{db: db}
}

func (r *publishHistoryRepository) Create(ctx context.Context, ph *models.PublishHistory) error {
	query := `
		INSERT INTO publish_history (id, user_id, post_id, platform, external_post_id, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query, ph.ID, ph.UserID, ph.PostID, ph.Platform, ph.ExternalPostID, ph.ErrorMessage)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *publishHistoryRepository) GetByPostID(ctx context.Context, postID int64) ([]*models.PublishHistory, error) {
	query := `SELECT id, user_id, post_id, platform, external_post_id, error_message, created_at
		FROM publish_history WHERE post_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, postID)
}

func (r *publishHistoryRepository) GetByUserID(ctx context.Context, userID int64) ([]*models.PublishHistory, error) {
	query := `SELECT id, user_id, post_id, platform, external_post_id, error_message, created_at
		FROM publish_history WHERE user_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, userID)
}

func (r *publishHistoryRepository) list(ctx context.Context, query string, arg any) ([]*models.PublishHistory, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var entries []*models.PublishHistory
	for rows.Next() {
		var ph models.PublishHistory
		err := rows.Scan(&ph.ID, &ph.UserID, &ph.PostID, &ph.Platform, &ph.ExternalPostID, &ph.ErrorMessage, &ph.CreatedAt)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		entries = append(entries, &ph)
	}
	return entries, rows.Err()
}

func (r *publishHistoryRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM publish_history WHERE created_at < $1`, cutoff)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return result.RowsAffected()
}
