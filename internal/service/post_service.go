package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/postpilot/postpilot/internal/models"
	"github.com/postpilot/postpilot/internal/publisher"
	"github.com/postpilot/postpilot/internal/repository"
	"github.com/postpilot/postpilot/internal/transfer"
)

// Publisher is the platform fan-out used for immediate publication.
type Publisher interface {
	PublishPost(ctx context.Context, post *models.Post, userID int64) map[string]publisher.Result
}

// Scheduler is the slice of the scheduler the orchestrator drives.
type Scheduler interface {
	SchedulePost(ctx context.Context, post *models.Post) error
	CancelScheduledPost(ctx context.Context, postID int64) error
}

type PostService interface {
	Create(ctx context.Context, userID int64, pc *transfer.PostCreation) (*models.Post, error)
	Update(ctx context.Context, userID, postID int64, pu *transfer.PostUpdate) (*models.Post, error)
	List(ctx context.Context, userID int64) ([]*models.Post, error)
	PostInfo(ctx context.Context, postID, userID int64) (*models.Post, error)
	Remove(ctx context.Context, userID, postID int64) error
}

type postService struct {
	pr    repository.PostRepository
	ph    repository.PublishHistoryRepository
	pub   Publisher
	sched Scheduler
}

func NewPostService(
	pr repository.PostRepository,
	ph repository.PublishHistoryRepository,
	pub Publisher,
	sched Scheduler) PostService {
	return &postService{
		pr:    pr,
		ph:    ph,
		pub:   pub,
		sched: sched,
	}
}

func validStatus(status string) bool {
	switch status {
	case models.PostStatusDraft, models.PostStatusScheduled, models.PostStatusPublished, models.PostStatusFailed:
		return true
	}
	return false
}

func encodeStrings(values []string) (sql.NullString, error) {
	if values == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (s *postService) Create(ctx context.Context, userID int64, pc *transfer.PostCreation) (*models.Post, error) {
	if pc == nil {
		err := errors.New("post creation data is nil")
		slog.Error(err.Error())
		return nil, err
	}
	if pc.Content == "" {
		err := errors.New("content cannot be empty")
		slog.Info(err.Error())
		return nil, err
	}

	status := pc.Status
	if status == "" {
		status = models.PostStatusDraft
	}
	if !validStatus(status) {
		return nil, fmt.Errorf("invalid post status %q", status)
	}
	if status == models.PostStatusScheduled && pc.ScheduledFor == "" {
		return nil, errors.New("scheduled posts require a scheduled_for time")
	}

	platforms, err := encodeStrings(pc.Platforms)
	if err != nil {
		return nil, fmt.Errorf("invalid platforms: %w", err)
	}
	mediaURLs, err := encodeStrings(pc.MediaURLs)
	if err != nil {
		return nil, fmt.Errorf("invalid media urls: %w", err)
	}

	post := &models.Post{
		UserID:    userID,
		Content:   pc.Content,
		MediaURLs: mediaURLs,
		Status:    status,
		Platforms: platforms,
	}
	if pc.ScheduledFor != "" {
		post.ScheduledFor = sql.NullString{String: pc.ScheduledFor, Valid: true}
	}

	postID, err := s.pr.Create(ctx, post)
	if err != nil {
		return nil, fmt.Errorf("error creating post: %w", err)
	}
	post.ID = postID

	if err := s.reconcile(ctx, post); err != nil {
		return nil, err
	}

	return s.pr.GetByID(ctx, postID)
}

func (s *postService) Update(ctx context.Context, userID, postID int64, pu *transfer.PostUpdate) (*models.Post, error) {
	if pu == nil {
		err := errors.New("post update data is nil")
		slog.Error(err.Error())
		return nil, err
	}

	post, err := s.ownedPost(ctx, userID, postID)
	if err != nil {
		return nil, err
	}

	if pu.Content != nil {
		post.Content = *pu.Content
	}
	if pu.Status != nil {
		if !validStatus(*pu.Status) {
			return nil, fmt.Errorf("invalid post status %q", *pu.Status)
		}
		post.Status = *pu.Status
	}
	if pu.ScheduledFor != nil {
		if *pu.ScheduledFor == "" {
			post.ScheduledFor = sql.NullString{}
		} else {
			post.ScheduledFor = sql.NullString{String: *pu.ScheduledFor, Valid: true}
		}
	}
	if pu.Platforms != nil {
		platforms, err := encodeStrings(pu.Platforms)
		if err != nil {
			return nil, fmt.Errorf("invalid platforms: %w", err)
		}
		post.Platforms = platforms
	}
	if pu.MediaURLs != nil {
		mediaURLs, err := encodeStrings(pu.MediaURLs)
		if err != nil {
			return nil, fmt.Errorf("invalid media urls: %w", err)
		}
		post.MediaURLs = mediaURLs
	}

	if err := s.pr.Update(ctx, post); err != nil {
		return nil, fmt.Errorf("error updating post: %w", err)
	}

	if err := s.reconcile(ctx, post); err != nil {
		return nil, err
	}

	return s.pr.GetByID(ctx, postID)
}

// reconcile maps the post's desired status onto scheduler and publisher
// actions. Publish-now posts fan out immediately, scheduled posts get a
// job, and every other status cancels whatever job might exist.
func (s *postService) reconcile(ctx context.Context, post *models.Post) error {
	switch {
	case post.Status == models.PostStatusPublished && !post.PublishedAt.Valid:
		return s.publishNow(ctx, post)
	case post.Status == models.PostStatusScheduled && post.ScheduledFor.Valid:
		return s.sched.SchedulePost(ctx, post)
	default:
		return s.sched.CancelScheduledPost(ctx, post.ID)
	}
}

func (s *postService) publishNow(ctx context.Context, post *models.Post) error {
	results := s.pub.PublishPost(ctx, post, post.UserID)
	s.recordHistory(ctx, post, results)

	ids, allFailed, errMsg := publisher.Merge(results)

	if allFailed {
		// Total failure demotes the post; partial success does not.
		meta := models.ParsePostMetadata(nullString(post.Metadata))
		if meta.Scheduler == nil {
			meta.Scheduler = &models.SchedulerMetadata{}
		}
		meta.Scheduler.LastStatus = models.SchedulerStatusFailed
		meta.Scheduler.LastError = &errMsg

		encoded, err := meta.Encode()
		if err != nil {
			return err
		}
		if err := s.pr.MarkFailed(ctx, post.ID, encoded); err != nil {
			return fmt.Errorf("error marking post failed: %w", err)
		}
		return nil
	}

	merged, err := publisher.MergePlatformPostIDs(nullString(post.PlatformPostIDs), ids)
	if err != nil {
		return err
	}
	if err := s.pr.MarkPublished(ctx, post.ID, time.Now(), merged, nullString(post.Metadata)); err != nil {
		return fmt.Errorf("error marking post published: %w", err)
	}
	return nil
}

func (s *postService) recordHistory(ctx context.Context, post *models.Post, results map[string]publisher.Result) {
	for platform, res := range results {
		id, err := gonanoid.New()
		if err != nil {
			slog.Warn("failed to generate history id", "error", err.Error())
			continue
		}
		entry := &models.PublishHistory{
			ID:             id,
			UserID:         post.UserID,
			PostID:         post.ID,
			Platform:       platform,
			ExternalPostID: res.PostID,
			ErrorMessage:   res.Error,
		}
		if err := s.ph.Create(ctx, entry); err != nil {
			slog.Warn("failed to save publish history", "post_id", post.ID, "platform", platform, "error", err.Error())
		}
	}
}

func (s *postService) List(ctx context.Context, userID int64) ([]*models.Post, error) {
	posts, err := s.pr.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error listing posts: %w", err)
	}
	return posts, nil
}

func (s *postService) PostInfo(ctx context.Context, postID, userID int64) (*models.Post, error) {
	return s.ownedPost(ctx, userID, postID)
}

// Remove cancels any scheduled job before deleting the record. Cancellation
// is best-effort; a cancel failure must not block deletion.
func (s *postService) Remove(ctx context.Context, userID, postID int64) error {
	if _, err := s.ownedPost(ctx, userID, postID); err != nil {
		return err
	}

	if err := s.sched.CancelScheduledPost(ctx, postID); err != nil {
		slog.Warn("failed to cancel scheduled job before delete", "post_id", postID, "error", err.Error())
	}

	if err := s.pr.Remove(ctx, postID); err != nil {
		return fmt.Errorf("error removing post: %w", err)
	}
	return nil
}

func (s *postService) ownedPost(ctx context.Context, userID, postID int64) (*models.Post, error) {
	if userID == 0 {
		err := errors.New("user is not valid")
		slog.Info(err.Error())
		return nil, err
	}
	if postID == 0 {
		err := errors.New("post id is not valid")
		slog.Info(err.Error())
		return nil, err
	}

	isOwner, err := s.pr.CheckByUserID(ctx, postID, userID)
	if err != nil {
		return nil, err
	}
	if !isOwner {
		err = errors.New("post doesn't exist")
		slog.Info(err.Error())
		return nil, err
	}

	post, err := s.pr.GetByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("error getting post info: %w", err)
	}
	if post == nil {
		return nil, errors.New("post doesn't exist")
	}
	return post, nil
}

func nullString(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}
