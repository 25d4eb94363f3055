package provider

import (
	"context"
	"net/http"

	"github.com/nghyane/omnigate/internal/config"
	log "github.com/nghyane/omnigate/internal/logging"
	"github.com/nghyane/omnigate/internal/resilience"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	anthropicTokenURL = "https://console.anthropic.com/v1/oauth/token"
	openAITokenURL    = "https://auth.openai.com/oauth/token"
)

func defaultTokenURL(t config.ProviderType) string {
	switch t {
	case config.ProviderTypeGemini, config.ProviderTypeGeminiCLI, config.ProviderTypeAntigravity:
		return google.Endpoint.TokenURL
	case config.ProviderTypeClaude, config.ProviderTypeAnthropicCompatible:
		return anthropicTokenURL
	case config.ProviderTypeOpenAIResponses:
		return openAITokenURL
	}
	return ""
}

// newTokenSource returns a caching token source for an OAuth account. Accounts
// without a refresh token or token endpoint serve their access token as is.
func newTokenSource(t config.ProviderType, acct config.OAuthAccount, proxyURL string) oauth2.TokenSource {
	tok := &oauth2.Token{
		AccessToken:  acct.AccessToken,
		RefreshToken: acct.RefreshToken,
		Expiry:       acct.Expiry,
		TokenType:    "Bearer",
	}
	tokenURL := acct.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL(t)
	}
	if acct.RefreshToken == "" || tokenURL == "" {
		return oauth2.StaticTokenSource(tok)
	}
	conf := &oauth2.Config{
		ClientID:     acct.ClientID,
		ClientSecret: acct.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	ctx := context.Background()
	if client := refreshClient(proxyURL); client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}
	return &loggingSource{name: acct.Name, src: conf.TokenSource(ctx, tok)}
}

func refreshClient(proxyURL string) *http.Client {
	if proxyURL == "" {
		return nil
	}
	client, err := resilience.NewHTTPClient(proxyURL, 0, resilience.DefaultRetryConfig)
	if err != nil {
		log.WithError(err).Warn("oauth refresh: invalid proxy, using direct connection")
		return nil
	}
	return client
}

type loggingSource struct {
	name string
	src  oauth2.TokenSource
	last string
}

func (s *loggingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		log.WithError(err).WithField("account", s.name).Warn("oauth token refresh failed")
		return nil, err
	}
	if s.last != "" && tok.AccessToken != s.last {
		log.WithField("account", s.name).Debug("oauth token refreshed")
	}
	s.last = tok.AccessToken
	return tok, nil
}
