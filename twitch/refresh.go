package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const tokenURL = "https://id.twitch.tv/oauth2/token"

// enforce that Refresher implements the TokenRefresher interface
var _ TokenRefresher = (*Refresher)(nil)

// Refresher exchanges a refresh token for fresh user tokens. Requires
// the app's client secret.
type Refresher struct {
	client       *http.Client
	clientID     string
	clientSecret string
}

func NewRefresher(client *http.Client, clientID, clientSecret string) *Refresher {
	if client == nil {
		client = http.DefaultClient
	}

	return &Refresher{
		client:       client,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

func (r *Refresher) RefreshToken(ctx context.Context, refreshToken string) (string, string, error) {
	if r.clientSecret == "" {
		return "", "", ErrNoClientSecret
	}

	formVal := url.Values{}
	formVal.Set("grant_type", "refresh_token")
	formVal.Set("refresh_token", refreshToken)
	formVal.Set("client_id", r.clientID)
	formVal.Set("client_secret", r.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(formVal.Encode()))
	if err != nil {
		return "", "", err
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", "", err
	}

	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("invalid status code response while refreshing token: %d", resp.StatusCode)
	}

	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}

	if err := json.Unmarshal(bodyBytes, &token); err != nil {
		return "", "", err
	}

	return token.AccessToken, token.RefreshToken, nil
}
