package bridgeadapter

import (
	"context"

	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentialsToken fetches an OAuth2 access token via the
// client-credentials grant, the flow Slack, Lark, and DingTalk all use
// to mint their respective bot/app access tokens.
func ClientCredentialsToken(ctx context.Context, tokenURL, clientID, clientSecret string, scopes []string) (string, error) {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
