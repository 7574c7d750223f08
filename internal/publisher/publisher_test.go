package publisher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot/internal/models"
	"github.com/postpilot/postpilot/pkg/utils"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeAccounts struct {
	accounts []*models.SocialAccount
	err      error
}

func (f *fakeAccounts) ListActiveVerified(ctx context.Context, userID int64, platforms []string) ([]*models.SocialAccount, error) {
	return f.accounts, f.err
}

type fakeAdapter struct {
	platform   string
	externalID string
	err        error
	gotToken   string
}

func (a *fakeAdapter) Platform() string { return a.platform }

func (a *fakeAdapter) Publish(ctx context.Context, post *models.Post, account *models.SocialAccount, accessToken string) (string, error) {
	a.gotToken = accessToken
	return a.externalID, a.err
}

func encryptedToken(t *testing.T, plaintext string) string {
	t.Helper()
	enc, err := utils.Encrypt([]byte(plaintext), testSecret)
	require.NoError(t, err)
	return enc
}

func account(t *testing.T, platform, token string) *models.SocialAccount {
	t.Helper()
	return &models.SocialAccount{
		ID:          1,
		UserID:      7,
		Platform:    platform,
		AccessToken: encryptedToken(t, token),
		IsActive:    true,
		IsVerified:  true,
	}
}

func postWithPlatforms(platforms string) *models.Post {
	return &models.Post{
		ID:        1,
		UserID:    7,
		Content:   "hello world",
		Status:    models.PostStatusScheduled,
		Platforms: sql.NullString{String: platforms, Valid: platforms != ""},
	}
}

func TestPublishPostFansOut(t *testing.T) {
	twitter := &fakeAdapter{platform: PlatformTwitter, externalID: "tw-1"}
	accounts := &fakeAccounts{accounts: []*models.SocialAccount{account(t, PlatformTwitter, "token-plain")}}
	p := New(accounts, testSecret, twitter)

	results := p.PublishPost(context.Background(), postWithPlatforms(`["twitter"]`), 7)

	require.Len(t, results, 1)
	assert.True(t, results["twitter"].Success)
	assert.Equal(t, "tw-1", results["twitter"].PostID)
	assert.Equal(t, "token-plain", twitter.gotToken, "adapter must receive the decrypted token")
}

func TestPublishPostPartialSuccess(t *testing.T) {
	twitter := &fakeAdapter{platform: PlatformTwitter, externalID: "tw-1"}
	linkedin := &fakeAdapter{platform: PlatformLinkedin, err: errors.New("linkedin api returned status 500")}
	accounts := &fakeAccounts{accounts: []*models.SocialAccount{
		account(t, PlatformTwitter, "tok-a"),
		account(t, PlatformLinkedin, "tok-b"),
	}}
	p := New(accounts, testSecret, twitter, linkedin)

	results := p.PublishPost(context.Background(), postWithPlatforms(`["twitter","linkedin"]`), 7)

	require.Len(t, results, 2)
	assert.True(t, results["twitter"].Success)
	assert.False(t, results["linkedin"].Success)
	assert.Equal(t, "linkedin api returned status 500", results["linkedin"].Error)
}

func TestPublishPostMissingAccount(t *testing.T) {
	accounts := &fakeAccounts{}
	p := New(accounts, testSecret)

	results := p.PublishPost(context.Background(), postWithPlatforms(`["twitter"]`), 7)

	require.Len(t, results, 1)
	assert.False(t, results["twitter"].Success)
	assert.Equal(t, "No active twitter account connected", results["twitter"].Error)
}

func TestPublishPostAccountLookupFailure(t *testing.T) {
	accounts := &fakeAccounts{err: errors.New("connection refused")}
	p := New(accounts, testSecret)

	results := p.PublishPost(context.Background(), postWithPlatforms(`["twitter","facebook"]`), 7)

	require.Len(t, results, 2)
	for platform, res := range results {
		assert.False(t, res.Success, platform)
		assert.Equal(t, "Failed to look up connected accounts", res.Error)
	}
}

func TestPublishPostUnknownPlatformNotImplemented(t *testing.T) {
	accounts := &fakeAccounts{accounts: []*models.SocialAccount{account(t, "mastodon", "tok")}}
	p := New(accounts, testSecret)

	results := p.PublishPost(context.Background(), postWithPlatforms(`["mastodon"]`), 7)

	require.Len(t, results, 1)
	assert.Equal(t, "publishing to mastodon is not yet implemented", results["mastodon"].Error)
}

func TestPublishPostUndecryptableToken(t *testing.T) {
	acc := account(t, PlatformTwitter, "tok")
	acc.AccessToken = "garbage-not-base64!!"
	accounts := &fakeAccounts{accounts: []*models.SocialAccount{acc}}
	p := New(accounts, testSecret, &fakeAdapter{platform: PlatformTwitter})

	results := p.PublishPost(context.Background(), postWithPlatforms(`["twitter"]`), 7)

	assert.Equal(t, "No access token available", results["twitter"].Error)
}

func TestParsePlatforms(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{"json array", `["twitter","facebook"]`, []string{"twitter", "facebook"}},
		{"json string wrapping an array", `"[\"twitter\"]"`, []string{"twitter"}},
		{"empty", "", nil},
		{"garbage", "twitter,facebook", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parsePlatforms(postWithPlatforms(tt.value))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name          string
		results       map[string]Result
		wantIDs       map[string]string
		wantAllFailed bool
		wantErrMsg    string
	}{
		{
			name:          "all succeed",
			results:       map[string]Result{"twitter": {Success: true, PostID: "1"}},
			wantIDs:       map[string]string{"twitter": "1"},
			wantAllFailed: false,
			wantErrMsg:    "",
		},
		{
			name: "partial success is success",
			results: map[string]Result{
				"twitter":  {Success: true, PostID: "1"},
				"facebook": {Error: "boom"},
			},
			wantIDs:       map[string]string{"twitter": "1"},
			wantAllFailed: false,
			wantErrMsg:    "facebook: boom",
		},
		{
			name: "total failure",
			results: map[string]Result{
				"twitter":  {Error: "rate limited"},
				"facebook": {Error: "boom"},
			},
			wantIDs:       map[string]string{},
			wantAllFailed: true,
			wantErrMsg:    "facebook: boom; twitter: rate limited",
		},
		{
			name:          "no platforms is not a failure",
			results:       map[string]Result{},
			wantIDs:       map[string]string{},
			wantAllFailed: false,
			wantErrMsg:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, allFailed, errMsg := Merge(tt.results)
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantAllFailed, allFailed)
			assert.Equal(t, tt.wantErrMsg, errMsg)
		})
	}
}

func TestMergePlatformPostIDs(t *testing.T) {
	merged, err := MergePlatformPostIDs(`{"facebook":"fb-1"}`, map[string]string{"twitter": "tw-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"facebook":"fb-1","twitter":"tw-1"}`, merged)

	merged, err = MergePlatformPostIDs("not json", map[string]string{"twitter": "tw-1"})
	require.NoError(t, err, "unreadable stored ids reset rather than fail")
	assert.JSONEq(t, `{"twitter":"tw-1"}`, merged)
}

func TestTwitterAdapterPublish(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, jsonDecode(r, &gotBody))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"1881234567890"}}`))
	}))
	defer ts.Close()

	a := NewTwitterAdapter()
	a.baseURL = ts.URL

	post := &models.Post{Content: "hello from postpilot"}
	id, err := a.Publish(context.Background(), post, &models.SocialAccount{}, "the-token")

	require.NoError(t, err)
	assert.Equal(t, "1881234567890", id)
	assert.Equal(t, "Bearer the-token", gotAuth)
	assert.Equal(t, "hello from postpilot", gotBody["text"])
}

func TestTwitterAdapterAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"detail":"You are not permitted to perform this action.","title":"Forbidden"}`))
	}))
	defer ts.Close()

	a := NewTwitterAdapter()
	a.baseURL = ts.URL

	_, err := a.Publish(context.Background(), &models.Post{Content: "x"}, &models.SocialAccount{}, "tok")

	require.Error(t, err)
	assert.Equal(t, "You are not permitted to perform this action.", err.Error())
}

func TestTwitterAdapterOpaqueError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewTwitterAdapter()
	a.baseURL = ts.URL

	_, err := a.Publish(context.Background(), &models.Post{Content: "x"}, &models.SocialAccount{}, "tok")

	require.Error(t, err)
	assert.Equal(t, "twitter api returned status 500", err.Error())
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
