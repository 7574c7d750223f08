package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	config "github.com/postpilot/postpilot/configs"
	"github.com/postpilot/postpilot/internal/models"
	"github.com/postpilot/postpilot/internal/publisher"
	"github.com/postpilot/postpilot/internal/repository"
	"github.com/postpilot/postpilot/pkg/utils"
	"golang.org/x/oauth2"
)

const (
	twitterTokenURL  = "https://api.twitter.com/2/oauth2/token"
	facebookTokenURL = "https://graph.facebook.com/v19.0/oauth/access_token"
	linkedinTokenURL = "https://www.linkedin.com/oauth/v2/accessToken"
)

// TokenRefreshJob renews access tokens that are about to expire so a
// scheduled publish never fires into a dead token.
type TokenRefreshJob struct {
	cfg config.Config
	sr  repository.SocialAccountRepository
}

func NewTokenRefreshJob(cfg config.Config, sr repository.SocialAccountRepository) *TokenRefreshJob {
	return &TokenRefreshJob{cfg: cfg, sr: sr}
}

func (j *TokenRefreshJob) RefreshTokens() {
	ctx := context.Background()

	currentTime := time.Now()
	timeIn30Minutes := currentTime.Add(30 * time.Minute)

	accounts, err := j.sr.ListExpiringTokens(ctx, currentTime, timeIn30Minutes)
	if err != nil {
		slog.Info(err.Error())
		return
	}

	var wg sync.WaitGroup

	concurrencyLimit := 4
	semaphore := make(chan struct{}, concurrencyLimit)

	for _, acc := range accounts {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(acc *models.SocialAccount) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if err := j.refreshAccount(ctx, acc); err != nil {
				slog.Warn("failed to refresh token",
					"account_id", acc.ID, "platform", acc.Platform, "error", err.Error())
			}
		}(acc)
	}

	wg.Wait()
}

func (j *TokenRefreshJob) refreshAccount(ctx context.Context, acc *models.SocialAccount) error {
	conf := j.oauthConfig(acc.Platform)
	if conf == nil {
		slog.Debug("no refresh endpoint configured for platform", "platform", acc.Platform)
		return nil
	}

	secret := []byte(j.cfg.SecretKey)
	refreshToken, err := utils.Decrypt(acc.RefreshToken, secret)
	if err != nil {
		return err
	}

	source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return err
	}

	encryptedAccess, err := utils.Encrypt([]byte(token.AccessToken), secret)
	if err != nil {
		return err
	}
	encryptedRefresh := ""
	if token.RefreshToken != "" {
		encryptedRefresh, err = utils.Encrypt([]byte(token.RefreshToken), secret)
		if err != nil {
			return err
		}
	}

	return j.sr.SetToken(ctx, acc.UserID, acc.AccessToken, &models.SocialAccount{
		AccessToken:    encryptedAccess,
		RefreshToken:   encryptedRefresh,
		TokenExpiresAt: token.Expiry,
	})
}

func (j *TokenRefreshJob) oauthConfig(platform string) *oauth2.Config {
	switch platform {
	case publisher.PlatformTwitter:
		return &oauth2.Config{
			ClientID:     j.cfg.TwitterClientID,
			ClientSecret: j.cfg.TwitterClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: twitterTokenURL},
		}
	case publisher.PlatformFacebook:
		return &oauth2.Config{
			ClientID:     j.cfg.FacebookClientID,
			ClientSecret: j.cfg.FacebookClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: facebookTokenURL},
		}
	case publisher.PlatformLinkedin:
		return &oauth2.Config{
			ClientID:     j.cfg.LinkedinClientID,
			ClientSecret: j.cfg.LinkedinClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: linkedinTokenURL},
		}
	}
	return nil
}
