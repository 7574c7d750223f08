package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	gonanoid "github.com/matoous/go-nanoid/v2"
	config "github.com/postpilot/postpilot/configs"
	"github.com/postpilot/postpilot/internal/models"
	"github.com/postpilot/postpilot/internal/publisher"
	"github.com/postpilot/postpilot/internal/queue"
	"github.com/postpilot/postpilot/internal/repository"
)

const (
	jobIDPrefix = "post-"

	// A job that fires while its target time still sits further out than
	// this is considered stale (the schedule moved after the job was armed)
	// and gets re-armed instead of published.
	earlyFireTolerance = 5 * time.Second

	// Overdue posts found during recovery are queued with this buffer so a
	// backlog doesn't fire all at once the instant the worker comes up.
	recoveryBuffer = 2 * time.Second

	// Posts due within this window are re-added with their exact remaining
	// delay during recovery; anything later goes through the normal path.
	recoverySoonWindow = 5 * time.Minute
)

// DelayedQueue is the durable queue contract the scheduler drives. Add
// enqueues under the caller's job id; Remove tolerates absent jobs.
type DelayedQueue interface {
	Add(ctx context.Context, jobID string, payload queue.PublishPostPayload, delay time.Duration) error
	Remove(ctx context.Context, jobID string) error
}

// PostPublisher is the platform fan-out invoked when a job fires.
type PostPublisher interface {
	PublishPost(ctx context.Context, post *models.Post, userID int64) map[string]publisher.Result
}

// Scheduler owns the publish-post job lifecycle: arm, cancel, execute on
// fire, and re-arm everything left in scheduled status after a restart.
type Scheduler struct {
	cfg     config.Config
	queue   DelayedQueue
	posts   repository.PostRepository
	pub     PostPublisher
	history repository.PublishHistoryRepository
}

func New(
	cfg config.Config,
	q DelayedQueue,
	posts repository.PostRepository,
	pub PostPublisher,
	history repository.PublishHistoryRepository) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		queue:   q,
		posts:   posts,
		pub:     pub,
		history: history,
	}
}

// JobID is a deterministic function of the post id. It is what guarantees
// at most one live job per post: remove-then-add under the same id
// supersedes any earlier job without external locking.
func JobID(postID int64) string {
	return jobIDPrefix + strconv.FormatInt(postID, 10)
}

func postIDFromJobID(jobID string) (int64, bool) {
	raw, ok := strings.CutPrefix(jobID, jobIDPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// rescheduleError tells the worker a job fired before its corrected time.
// While the task is active it can neither be deleted nor re-enqueued under
// its own id, so the worker's retry machinery redelivers it after the
// embedded delay instead.
type rescheduleError struct {
	delay time.Duration
}

func (e *rescheduleError) Error() string {
	return fmt.Sprintf("post is not due yet, redelivering in %s", e.delay)
}

// RescheduleDelay reports whether err asks for a delayed redelivery and with
// what delay. The worker's RetryDelayFunc uses it to override the backoff;
// the worker's error handler uses it to skip the failure audit.
func RescheduleDelay(err error) (time.Duration, bool) {
	var re *rescheduleError
	if errors.As(err, &re) {
		return re.delay, true
	}
	return 0, false
}

// publishFailureError carries the publish failure message while telling the
// worker not to retry: the post is already marked failed, and a redelivery
// would only find it in that state.
type publishFailureError struct {
	msg string
}

func (e *publishFailureError) Error() string { return e.msg }
func (e *publishFailureError) Unwrap() error { return asynq.SkipRetry }

// SchedulePost arms (or re-arms) the publish job for a post. Posts without
// an id, a schedule time, or scheduled status are silently skipped so
// callers may invoke this speculatively. Safe to call repeatedly: the new
// job always supersedes any prior one for the same post.
func (s *Scheduler) SchedulePost(ctx context.Context, post *models.Post) error {
	if !s.cfg.EnableScheduler {
		return nil
	}
	if post == nil || post.ID == 0 || !post.ScheduledFor.Valid || post.Status != models.PostStatusScheduled {
		return nil
	}

	scheduledFor, ok := normalizeScheduledFor(post.ScheduledFor.String)
	if !ok {
		slog.Warn("post has invalid scheduled_for value, skipping scheduling",
			"post_id", post.ID, "scheduled_for", post.ScheduledFor.String)
		return nil
	}

	delay := time.Until(scheduledFor)
	if delay < 0 {
		delay = 0
	}
	jobID := JobID(post.ID)

	if err := s.queue.Remove(ctx, jobID); err != nil {
		slog.Warn("failed to remove existing job", "job_id", jobID, "error", err.Error())
	}

	if err := s.queue.Add(ctx, jobID, queue.PublishPostPayload{PostID: post.ID}, delay); err != nil {
		return fmt.Errorf("schedule post %d: %w", post.ID, err)
	}

	iso := scheduledFor.UTC().Format(time.RFC3339)
	err := s.updateSchedulerMetadata(ctx, post.ID, func(sm *models.SchedulerMetadata) {
		sm.JobID = jobID
		sm.ScheduledFor = &iso
		sm.LastScheduledAt = time.Now().UTC().Format(time.RFC3339)
		sm.LastStatus = models.SchedulerStatusScheduled
		sm.LastError = nil
	})
	if err != nil {
		return err
	}

	slog.Info("scheduled post", "post_id", post.ID, "scheduled_for", iso, "delay", delay.String())
	return nil
}

// CancelScheduledPost removes the post's job from the queue. The removal is
// best-effort; the handler's status re-check is what actually wins a race
// with an in-flight firing. Posts that were never scheduled get no metadata
// write, and a missing post is a silent no-op.
func (s *Scheduler) CancelScheduledPost(ctx context.Context, postID int64) error {
	if !s.cfg.EnableScheduler {
		return nil
	}

	jobID := JobID(postID)
	if err := s.queue.Remove(ctx, jobID); err != nil {
		slog.Warn("failed to remove job during cancel", "job_id", jobID, "error", err.Error())
	}

	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return err
	}
	if post == nil {
		return nil
	}

	meta := models.ParsePostMetadata(metadataString(post))
	if meta.Scheduler == nil {
		return nil
	}

	meta.Scheduler.JobID = ""
	meta.Scheduler.ScheduledFor = nil
	meta.Scheduler.LastStatus = models.SchedulerStatusSkipped
	meta.Scheduler.LastError = nil

	encoded, err := meta.Encode()
	if err != nil {
		return err
	}
	return s.posts.UpdateMetadata(ctx, postID, encoded)
}

// HandlePublishPostTask is the asynq handler invoked when a job fires.
func (s *Scheduler) HandlePublishPostTask(ctx context.Context, task *asynq.Task) error {
	if !s.cfg.EnableScheduler {
		return nil
	}

	var payload queue.PublishPostPayload
	if err := queue.UnmarshalPayload(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid publish-post payload: %v: %w", err, asynq.SkipRetry)
	}

	return s.runJob(ctx, payload.PostID)
}

func (s *Scheduler) runJob(ctx context.Context, postID int64) error {
	// Always reload; the post may have been edited or deleted since the job
	// was armed.
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return err
	}
	if post == nil {
		slog.Warn("post not found while processing scheduled job", "post_id", postID)
		return nil
	}

	now := time.Now()

	if post.Status != models.PostStatusScheduled {
		slog.Debug("post is no longer scheduled, skipping job", "post_id", postID, "status", post.Status)
		err := s.updateSchedulerMetadata(ctx, postID, func(sm *models.SchedulerMetadata) {
			sm.LastRunAt = now.UTC().Format(time.RFC3339)
			if sm.LastStatus == models.SchedulerStatusFailed {
				// A redelivery after a failed attempt must not wipe the audit.
				return
			}
			sm.LastStatus = models.SchedulerStatusSkipped
			sm.LastError = nil
		})
		if err != nil {
			slog.Warn("failed to record skipped job", "post_id", postID, "error", err.Error())
		}
		return nil
	}

	var scheduledFor *time.Time
	if post.ScheduledFor.Valid {
		if t, ok := normalizeScheduledFor(post.ScheduledFor.String); ok {
			scheduledFor = &t
		}
	}

	// The schedule may have been pushed out after this job was armed with a
	// stale delay. The task is active here, so it cannot be removed or
	// re-enqueued under its own id; ask the worker for a delayed redelivery
	// instead of firing early.
	if scheduledFor != nil && scheduledFor.After(now.Add(earlyFireTolerance)) {
		delay := scheduledFor.Sub(now)
		slog.Debug("scheduled time is still in the future, rescheduling",
			"post_id", postID, "delay", delay.String())

		iso := scheduledFor.UTC().Format(time.RFC3339)
		err := s.updateSchedulerMetadata(ctx, postID, func(sm *models.SchedulerMetadata) {
			sm.JobID = JobID(postID)
			sm.ScheduledFor = &iso
			sm.LastScheduledAt = now.UTC().Format(time.RFC3339)
			sm.LastStatus = models.SchedulerStatusScheduled
			sm.LastError = nil
		})
		if err != nil {
			slog.Warn("failed to record rescheduled job", "post_id", postID, "error", err.Error())
		}
		return &rescheduleError{delay: delay}
	}

	return s.publish(ctx, post, scheduledFor, now)
}

func (s *Scheduler) publish(ctx context.Context, post *models.Post, scheduledFor *time.Time, now time.Time) error {
	results := s.pub.PublishPost(ctx, post, post.UserID)
	s.recordHistory(ctx, post, results)

	ids, allFailed, errMsg := publisher.Merge(results)

	meta := models.ParsePostMetadata(metadataString(post))
	if meta.Scheduler == nil {
		meta.Scheduler = &models.SchedulerMetadata{}
	}
	sm := meta.Scheduler
	sm.JobID = JobID(post.ID)
	sm.LastRunAt = now.UTC().Format(time.RFC3339)
	if scheduledFor != nil {
		iso := scheduledFor.UTC().Format(time.RFC3339)
		sm.ScheduledFor = &iso
	} else {
		sm.ScheduledFor = nil
	}

	if allFailed {
		return s.failJob(ctx, post.ID, meta, errMsg)
	}

	merged, err := publisher.MergePlatformPostIDs(platformPostIDsString(post), ids)
	if err != nil {
		return s.failJob(ctx, post.ID, meta, err.Error())
	}

	sm.LastStatus = models.SchedulerStatusPublished
	sm.LastError = nil
	encoded, err := meta.Encode()
	if err != nil {
		return s.failJob(ctx, post.ID, meta, err.Error())
	}

	if err := s.posts.MarkPublished(ctx, post.ID, now, merged, encoded); err != nil {
		return s.failJob(ctx, post.ID, meta, err.Error())
	}

	slog.Info("post published by scheduler", "post_id", post.ID, "platforms", len(ids))
	return nil
}

// failJob marks the post failed and returns the error so the queue's own
// failure tracking sees it too.
func (s *Scheduler) failJob(ctx context.Context, postID int64, meta *models.PostMetadata, message string) error {
	slog.Error("failed to publish scheduled post", "post_id", postID, "error", message)

	meta.Scheduler.LastStatus = models.SchedulerStatusFailed
	meta.Scheduler.LastError = &message

	encoded, err := meta.Encode()
	if err != nil {
		slog.Warn("failed to encode scheduler metadata", "post_id", postID, "error", err.Error())
		encoded = ""
	}
	if err := s.posts.MarkFailed(ctx, postID, encoded); err != nil {
		slog.Error("failed to mark post as failed", "post_id", postID, "error", err.Error())
	}

	return &publishFailureError{msg: message}
}

// RecordJobFailure audits a queue-reported failure back into post metadata.
// Invoked from the worker's error handler; strictly best-effort.
func (s *Scheduler) RecordJobFailure(ctx context.Context, jobID, message string) {
	if !s.cfg.EnableScheduler {
		return
	}

	postID, ok := postIDFromJobID(jobID)
	if !ok {
		return
	}

	err := s.updateSchedulerMetadata(ctx, postID, func(sm *models.SchedulerMetadata) {
		sm.LastStatus = models.SchedulerStatusFailed
		sm.LastError = &message
		sm.LastRunAt = time.Now().UTC().Format(time.RFC3339)
	})
	if err != nil {
		slog.Warn("failed to record job failure", "job_id", jobID, "error", err.Error())
	}
}

// RecoverScheduledPosts reconciles queue state with the post store after a
// restart. Run once at startup, before the process accepts new schedule
// requests. Overdue posts are queued with a small buffer, posts due soon
// keep their exact remaining delay, and everything else goes through the
// normal scheduling path.
func (s *Scheduler) RecoverScheduledPosts(ctx context.Context) error {
	if !s.cfg.EnableScheduler {
		return nil
	}

	posts, err := s.posts.ListByStatus(ctx, models.PostStatusScheduled)
	if err != nil {
		return fmt.Errorf("recover scheduled posts: %w", err)
	}

	now := time.Now()
	for _, post := range posts {
		if !post.ScheduledFor.Valid {
			continue
		}
		scheduledFor, ok := normalizeScheduledFor(post.ScheduledFor.String)
		if !ok {
			slog.Warn("scheduled post has invalid scheduled_for value, skipping recovery",
				"post_id", post.ID, "scheduled_for", post.ScheduledFor.String)
			continue
		}

		jobID := JobID(post.ID)
		if err := s.queue.Remove(ctx, jobID); err != nil {
			slog.Warn("failed to remove stale job during recovery", "job_id", jobID, "error", err.Error())
		}

		nowISO := now.UTC().Format(time.RFC3339)
		remaining := scheduledFor.Sub(now)

		switch {
		case remaining <= 0:
			delay := recoveryBuffer
			if err := s.rearm(ctx, post, scheduledFor, delay, nowISO); err != nil {
				return err
			}
			slog.Warn("recovered overdue scheduled post, queued for immediate processing",
				"post_id", post.ID, "delay", delay.String())

		case remaining <= recoverySoonWindow:
			if err := s.rearm(ctx, post, scheduledFor, remaining, nowISO); err != nil {
				return err
			}
			slog.Info("recovered scheduled post due soon", "post_id", post.ID, "delay", remaining.String())

		default:
			if err := s.SchedulePost(ctx, post); err != nil {
				return err
			}
			err := s.updateSchedulerMetadata(ctx, post.ID, func(sm *models.SchedulerMetadata) {
				sm.LastRecoveryAt = nowISO
			})
			if err != nil {
				slog.Warn("failed to stamp recovery time", "post_id", post.ID, "error", err.Error())
			}
			slog.Info("recovered scheduled post", "post_id", post.ID, "scheduled_for", scheduledFor.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

func (s *Scheduler) rearm(ctx context.Context, post *models.Post, scheduledFor time.Time, delay time.Duration, nowISO string) error {
	jobID := JobID(post.ID)
	if err := s.queue.Add(ctx, jobID, queue.PublishPostPayload{PostID: post.ID}, delay); err != nil {
		return fmt.Errorf("recover post %d: %w", post.ID, err)
	}

	iso := scheduledFor.UTC().Format(time.RFC3339)
	return s.updateSchedulerMetadata(ctx, post.ID, func(sm *models.SchedulerMetadata) {
		sm.JobID = jobID
		sm.ScheduledFor = &iso
		sm.LastScheduledAt = nowISO
		sm.LastStatus = models.SchedulerStatusScheduled
		sm.LastError = nil
		sm.LastRecoveryAt = nowISO
	})
}

func (s *Scheduler) recordHistory(ctx context.Context, post *models.Post, results map[string]publisher.Result) {
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
		if err := s.history.Create(ctx, entry); err != nil {
			slog.Warn("failed to save publish history", "post_id", post.ID, "platform", platform, "error", err.Error())
		}
	}
}

// updateSchedulerMetadata merges a change into the post's scheduler
// metadata with a read-modify-write that leaves other metadata keys alone.
func (s *Scheduler) updateSchedulerMetadata(ctx context.Context, postID int64, update func(*models.SchedulerMetadata)) error {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return err
	}
	if post == nil {
		return nil
	}

	meta := models.ParsePostMetadata(metadataString(post))
	if meta.Scheduler == nil {
		meta.Scheduler = &models.SchedulerMetadata{}
	}
	update(meta.Scheduler)

	encoded, err := meta.Encode()
	if err != nil {
		return err
	}
	return s.posts.UpdateMetadata(ctx, postID, encoded)
}

func metadataString(post *models.Post) string {
	if post.Metadata.Valid {
		return post.Metadata.String
	}
	return ""
}

func platformPostIDsString(post *models.Post) string {
	if post.PlatformPostIDs.Valid {
		return post.PlatformPostIDs.String
	}
	return ""
}

var scheduledForLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// normalizeScheduledFor parses the stored schedule time. The column is text
// and historically held a couple of timestamp shapes; anything unparseable
// is reported as invalid rather than treated as an error.
func normalizeScheduledFor(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range scheduledForLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
