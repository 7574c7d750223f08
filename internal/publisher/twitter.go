package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/postpilot/postpilot/internal/models"
)

const (
	PlatformTwitter  = "twitter"
	PlatformFacebook = "facebook"
	PlatformLinkedin = "linkedin"
)

const twitterTweetsURL = "https://api.twitter.com/2/tweets"

type TwitterAdapter struct {
	client  *http.Client
	baseURL string
}

func NewTwitterAdapter() *TwitterAdapter {
	return &TwitterAdapter{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: twitterTweetsURL,
	}
}

func (a *TwitterAdapter) Platform() string { return PlatformTwitter }

// Publish creates a tweet through the Twitter API v2. Media upload is not
// wired yet; text-only tweets go out even when the post carries media URLs.
func (a *TwitterAdapter) Publish(ctx context.Context, post *models.Post, account *models.SocialAccount, accessToken string) (string, error) {
	body, err := json.Marshal(map[string]string{"text": post.Content})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("twitter request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Detail string `json:"detail"`
			Title  string `json:"title"`
		}
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Detail != "" {
			return "", errors.New(apiErr.Detail)
		}
		return "", fmt.Errorf("twitter api returned status %d", resp.StatusCode)
	}

	var tweet struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &tweet); err != nil {
		return "", err
	}
	if tweet.Data.ID == "" {
		return "", errors.New("no tweet id in response")
	}

	return tweet.Data.ID, nil
}

// notImplementedAdapter stands in for platforms without a live integration,
// so an unsupported platform surfaces as a per-platform error instead of a
// missing dispatch entry.
type notImplementedAdapter struct {
	platform string
}

func (a notImplementedAdapter) Platform() string { return a.platform }

func (a notImplementedAdapter) Publish(ctx context.Context, post *models.Post, account *models.SocialAccount, accessToken string) (string, error) {
	return "", fmt.Errorf("publishing to %s is not yet implemented", a.platform)
}
