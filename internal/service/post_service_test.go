package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot/internal/models"
	"github.com/postpilot/postpilot/internal/publisher"
	"github.com/postpilot/postpilot/internal/transfer"
)

type fakePostRepo struct {
	posts  map[int64]*models.Post
	nextID int64
}

func newFakePostRepo(posts ...*models.Post) *fakePostRepo {
	r := &fakePostRepo{posts: make(map[int64]*models.Post), nextID: 100}
	for _, p := range posts {
		r.posts[p.ID] = p
	}
	return r
}

func (r *fakePostRepo) Create(ctx context.Context, post *models.Post) (int64, error) {
	r.nextID++
	post.ID = r.nextID
	r.posts[post.ID] = post
	return post.ID, nil
}

func (r *fakePostRepo) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	return r.posts[id], nil
}

func (r *fakePostRepo) GetByUserID(ctx context.Context, userID int64) ([]*models.Post, error) {
	var posts []*models.Post
	for _, p := range r.posts {
		if p.UserID == userID {
			posts = append(posts, p)
		}
	}
	return posts, nil
}

func (r *fakePostRepo) CheckByUserID(ctx context.Context, postID, userID int64) (bool, error) {
	post := r.posts[postID]
	return post != nil && post.UserID == userID, nil
}

func (r *fakePostRepo) ListByStatus(ctx context.Context, status string) ([]*models.Post, error) {
	return nil, nil
}

func (r *fakePostRepo) Update(ctx context.Context, post *models.Post) error {
	r.posts[post.ID] = post
	return nil
}

func (r *fakePostRepo) UpdateMetadata(ctx context.Context, id int64, metadata string) error {
	r.posts[id].Metadata = sql.NullString{String: metadata, Valid: true}
	return nil
}

func (r *fakePostRepo) MarkPublished(ctx context.Context, id int64, publishedAt time.Time, platformPostIDs, metadata string) error {
	post := r.posts[id]
	post.Status = models.PostStatusPublished
	if !post.PublishedAt.Valid {
		post.PublishedAt = sql.NullTime{Time: publishedAt, Valid: true}
	}
	post.PlatformPostIDs = sql.NullString{String: platformPostIDs, Valid: true}
	post.Metadata = sql.NullString{String: metadata, Valid: true}
	return nil
}

func (r *fakePostRepo) MarkFailed(ctx context.Context, id int64, metadata string) error {
	post := r.posts[id]
	post.Status = models.PostStatusFailed
	post.Metadata = sql.NullString{String: metadata, Valid: true}
	return nil
}

func (r *fakePostRepo) Remove(ctx context.Context, id int64) error {
	delete(r.posts, id)
	return nil
}

type fakeHistoryRepo struct {
	entries []*models.PublishHistory
}

func (r *fakeHistoryRepo) Create(ctx context.Context, ph *models.PublishHistory) error {
	r.entries = append(r.entries, ph)
	return nil
}

func (r *fakeHistoryRepo) GetByPostID(ctx context.Context, postID int64) ([]*models.PublishHistory, error) {
	return r.entries, nil
}

func (r *fakeHistoryRepo) GetByUserID(ctx context.Context, userID int64) ([]*models.PublishHistory, error) {
	return r.entries, nil
}

func (r *fakeHistoryRepo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakePub struct {
	results map[string]publisher.Result
	calls   int
}

func (p *fakePub) PublishPost(ctx context.Context, post *models.Post, userID int64) map[string]publisher.Result {
	p.calls++
	return p.results
}

type fakeSched struct {
	scheduled []int64
	cancelled []int64
	cancelErr error
}

func (s *fakeSched) SchedulePost(ctx context.Context, post *models.Post) error {
	s.scheduled = append(s.scheduled, post.ID)
	return nil
}

func (s *fakeSched) CancelScheduledPost(ctx context.Context, postID int64) error {
	s.cancelled = append(s.cancelled, postID)
	return s.cancelErr
}

type serviceFixture struct {
	svc     PostService
	posts   *fakePostRepo
	history *fakeHistoryRepo
	pub     *fakePub
	sched   *fakeSched
}

func newServiceFixture(posts ...*models.Post) *serviceFixture {
	repo := newFakePostRepo(posts...)
	history := &fakeHistoryRepo{}
	pub := &fakePub{results: map[string]publisher.Result{
		"twitter": {Success: true, PostID: "tw-1"},
	}}
	sched := &fakeSched{}
	return &serviceFixture{
		svc:     NewPostService(repo, history, pub, sched),
		posts:   repo,
		history: history,
		pub:     pub,
		sched:   sched,
	}
}

func strptr(s string) *string { return &s }

func TestCreateScheduledPost(t *testing.T) {
	f := newServiceFixture()

	post, err := f.svc.Create(context.Background(), 7, &transfer.PostCreation{
		Content:      "hello",
		Platforms:    []string{"twitter"},
		Status:       models.PostStatusScheduled,
		ScheduledFor: "2026-09-01T10:00:00Z",
	})

	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, models.PostStatusScheduled, post.Status)
	assert.Equal(t, []int64{post.ID}, f.sched.scheduled)
	assert.Zero(t, f.pub.calls)
}

func TestCreateDraftCancelsNothingHarmful(t *testing.T) {
	f := newServiceFixture()

	post, err := f.svc.Create(context.Background(), 7, &transfer.PostCreation{Content: "hello"})

	require.NoError(t, err)
	assert.Equal(t, models.PostStatusDraft, post.Status)
	assert.Empty(t, f.sched.scheduled)
	// Draft reconciliation still issues the idempotent cancel.
	assert.Equal(t, []int64{post.ID}, f.sched.cancelled)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name string
		pc   *transfer.PostCreation
	}{
		{"nil payload", nil},
		{"empty content", &transfer.PostCreation{}},
		{"bad status", &transfer.PostCreation{Content: "x", Status: "pending"}},
		{"scheduled without time", &transfer.PostCreation{Content: "x", Status: models.PostStatusScheduled}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture()
			_, err := f.svc.Create(context.Background(), 7, tt.pc)
			assert.Error(t, err)
		})
	}
}

func TestCreatePublishNowPartialSuccess(t *testing.T) {
	f := newServiceFixture()
	f.pub.results = map[string]publisher.Result{
		"twitter":  {Success: true, PostID: "tw-1"},
		"facebook": {Error: "publishing to facebook is not yet implemented"},
	}

	post, err := f.svc.Create(context.Background(), 7, &transfer.PostCreation{
		Content:   "hello",
		Platforms: []string{"twitter", "facebook"},
		Status:    models.PostStatusPublished,
	})

	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublished, post.Status)
	assert.True(t, post.PublishedAt.Valid)

	var ids map[string]string
	require.NoError(t, json.Unmarshal([]byte(post.PlatformPostIDs.String), &ids))
	assert.Equal(t, map[string]string{"twitter": "tw-1"}, ids)

	assert.Len(t, f.history.entries, 2, "every attempt gets a history row, failures included")
}

func TestCreatePublishNowTotalFailure(t *testing.T) {
	f := newServiceFixture()
	f.pub.results = map[string]publisher.Result{
		"twitter": {Error: "rate limited"},
	}

	post, err := f.svc.Create(context.Background(), 7, &transfer.PostCreation{
		Content:   "hello",
		Platforms: []string{"twitter"},
		Status:    models.PostStatusPublished,
	})

	require.NoError(t, err)
	assert.Equal(t, models.PostStatusFailed, post.Status)
	assert.False(t, post.PublishedAt.Valid)

	meta := models.ParsePostMetadata(post.Metadata.String)
	require.NotNil(t, meta.Scheduler)
	assert.Equal(t, models.SchedulerStatusFailed, meta.Scheduler.LastStatus)
	require.NotNil(t, meta.Scheduler.LastError)
	assert.Contains(t, *meta.Scheduler.LastError, "rate limited")
}

func TestUpdateToDraftCancelsJob(t *testing.T) {
	existing := &models.Post{
		ID:           1,
		UserID:       7,
		Content:      "hello",
		Status:       models.PostStatusScheduled,
		ScheduledFor: sql.NullString{String: "2026-09-01T10:00:00Z", Valid: true},
	}
	f := newServiceFixture(existing)

	post, err := f.svc.Update(context.Background(), 7, 1, &transfer.PostUpdate{
		Status: strptr(models.PostStatusDraft),
	})

	require.NoError(t, err)
	assert.Equal(t, models.PostStatusDraft, post.Status)
	assert.Equal(t, []int64{1}, f.sched.cancelled)
	assert.Empty(t, f.sched.scheduled)
}

func TestUpdateRescheduleReplacesJob(t *testing.T) {
	existing := &models.Post{
		ID:           1,
		UserID:       7,
		Content:      "hello",
		Status:       models.PostStatusScheduled,
		ScheduledFor: sql.NullString{String: "2026-09-01T10:00:00Z", Valid: true},
	}
	f := newServiceFixture(existing)

	post, err := f.svc.Update(context.Background(), 7, 1, &transfer.PostUpdate{
		ScheduledFor: strptr("2026-09-02T10:00:00Z"),
	})

	require.NoError(t, err)
	assert.Equal(t, "2026-09-02T10:00:00Z", post.ScheduledFor.String)
	assert.Equal(t, []int64{1}, f.sched.scheduled)
}

func TestUpdateRejectsForeignPost(t *testing.T) {
	existing := &models.Post{ID: 1, UserID: 7, Content: "hello", Status: models.PostStatusDraft}
	f := newServiceFixture(existing)

	_, err := f.svc.Update(context.Background(), 99, 1, &transfer.PostUpdate{Content: strptr("hijack")})

	require.Error(t, err)
	assert.Equal(t, "hello", f.posts.posts[1].Content)
}

func TestRemoveCancelsBeforeDelete(t *testing.T) {
	existing := &models.Post{ID: 1, UserID: 7, Content: "hello", Status: models.PostStatusScheduled}
	f := newServiceFixture(existing)

	require.NoError(t, f.svc.Remove(context.Background(), 7, 1))

	assert.Equal(t, []int64{1}, f.sched.cancelled)
	assert.NotContains(t, f.posts.posts, int64(1))
}

func TestRemoveSurvivesCancelFailure(t *testing.T) {
	existing := &models.Post{ID: 1, UserID: 7, Content: "hello", Status: models.PostStatusScheduled}
	f := newServiceFixture(existing)
	f.sched.cancelErr = errors.New("redis unavailable")

	require.NoError(t, f.svc.Remove(context.Background(), 7, 1))
	assert.NotContains(t, f.posts.posts, int64(1))
}

func TestPostInfoOwnership(t *testing.T) {
	existing := &models.Post{ID: 1, UserID: 7, Content: "hello", Status: models.PostStatusDraft}
	f := newServiceFixture(existing)

	post, err := f.svc.PostInfo(context.Background(), 1, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), post.ID)

	_, err = f.svc.PostInfo(context.Background(), 1, 99)
	assert.Error(t, err)
}
