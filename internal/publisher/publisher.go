package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/postpilot/postpilot/internal/models"
	"github.com/postpilot/postpilot/pkg/utils"
)

// Result is the normalized outcome of publishing one post to one platform.
type Result struct {
	Success bool   `json:"success"`
	PostID  string `json:"postId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Adapter publishes one post to one connected account and returns the
// external post id. One variant per platform; unknown platforms fall back
// to an explicit not-implemented result instead of a missing map entry.
type Adapter interface {
	Platform() string
	Publish(ctx context.Context, post *models.Post, account *models.SocialAccount, accessToken string) (string, error)
}

// AccountSource is the connected-accounts lookup the publisher needs.
type AccountSource interface {
	ListActiveVerified(ctx context.Context, userID int64, platforms []string) ([]*models.SocialAccount, error)
}

type Publisher struct {
	accounts AccountSource
	secret   []byte
	adapters map[string]Adapter
}

// New builds a publisher. When no adapters are given, the default platform
// set is installed (twitter live, facebook and linkedin stubs).
func New(accounts AccountSource, secret []byte, adapters ...Adapter) *Publisher {
	if len(adapters) == 0 {
		adapters = []Adapter{
			NewTwitterAdapter(),
			notImplementedAdapter{platform: PlatformFacebook},
			notImplementedAdapter{platform: PlatformLinkedin},
		}
	}

	byPlatform := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byPlatform[a.Platform()] = a
	}
	return &Publisher{accounts: accounts, secret: secret, adapters: byPlatform}
}

// PublishPost fans the post out to every requested platform. Failures are
// per-platform results; the call itself never fails and never panics, so a
// broken platform cannot take its siblings down with it.
func (p *Publisher) PublishPost(ctx context.Context, post *models.Post, userID int64) map[string]Result {
	results := make(map[string]Result)

	platforms := parsePlatforms(post)
	if len(platforms) == 0 {
		return results
	}

	accounts, err := p.accounts.ListActiveVerified(ctx, userID, platforms)
	if err != nil {
		slog.Error("failed to look up connected accounts", "post_id", post.ID, "error", err.Error())
		for _, platform := range platforms {
			results[platform] = Result{Error: "Failed to look up connected accounts"}
		}
		return results
	}

	byPlatform := make(map[string]*models.SocialAccount, len(accounts))
	for _, acc := range accounts {
		byPlatform[acc.Platform] = acc
	}

	for _, platform := range platforms {
		account := byPlatform[platform]
		if account == nil {
			results[platform] = Result{Error: fmt.Sprintf("No active %s account connected", platform)}
			continue
		}
		results[platform] = p.publishOne(ctx, post, account)
	}

	return results
}

func (p *Publisher) publishOne(ctx context.Context, post *models.Post, account *models.SocialAccount) Result {
	if account.AccessToken == "" {
		return Result{Error: "No access token available"}
	}

	accessToken, err := utils.Decrypt(account.AccessToken, p.secret)
	if err != nil {
		slog.Warn("failed to decrypt access token", "account_id", account.ID, "error", err.Error())
		return Result{Error: "No access token available"}
	}

	adapter, ok := p.adapters[account.Platform]
	if !ok {
		adapter = notImplementedAdapter{platform: account.Platform}
	}

	externalID, err := adapter.Publish(ctx, post, account, accessToken)
	if err != nil {
		slog.Error("failed to publish", "platform", account.Platform, "post_id", post.ID, "error", err.Error())
		return Result{Error: err.Error()}
	}
	return Result{Success: true, PostID: externalID}
}

// parsePlatforms decodes the post's platform list. The column historically
// held either a JSON array or a JSON-encoded string wrapping one, so both
// are accepted; anything else is logged and yields no platforms.
func parsePlatforms(post *models.Post) []string {
	if !post.Platforms.Valid || post.Platforms.String == "" {
		slog.Warn("post has no platforms specified", "post_id", post.ID)
		return nil
	}

	raw := post.Platforms.String

	var platforms []string
	if err := json.Unmarshal([]byte(raw), &platforms); err == nil {
		return platforms
	}

	var wrapped string
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil {
		if err := json.Unmarshal([]byte(wrapped), &platforms); err == nil {
			return platforms
		}
	}

	slog.Error("failed to parse platforms", "post_id", post.ID, "value", raw)
	return nil
}

// Merge aggregates per-platform results: the ids of successful platforms,
// whether every platform failed, and a readable summary of the failures.
// Partial success is success; only total failure fails the post.
func Merge(results map[string]Result) (ids map[string]string, allFailed bool, errMsg string) {
	ids = make(map[string]string)

	var failures []string
	for platform, res := range results {
		if res.Success {
			ids[platform] = res.PostID
		} else {
			failures = append(failures, platform+": "+res.Error)
		}
	}
	sort.Strings(failures)

	allFailed = len(results) > 0 && len(ids) == 0
	return ids, allFailed, strings.Join(failures, "; ")
}

// MergePlatformPostIDs folds newly successful external ids into the stored
// platform_post_ids JSON object.
func MergePlatformPostIDs(existing string, ids map[string]string) (string, error) {
	merged := make(map[string]string)
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &merged); err != nil {
			slog.Warn("failed to parse stored platform post ids, resetting", "error", err.Error())
			merged = make(map[string]string)
		}
	}
	for platform, id := range ids {
		merged[platform] = id
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
