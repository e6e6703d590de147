package twitch

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestRefreshTokenNoSecret(t *testing.T) {
	t.Parallel()

	refresher := NewRefresher(nil, "client-id", "")

	_, _, err := refresher.RefreshToken(t.Context(), "refresh")
	require.ErrorIs(t, err, ErrNoClientSecret)
}

func TestRefreshToken(t *testing.T) {
	t.Parallel()

	client := &http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, http.MethodPost, req.Method)
			require.Equal(t, "id.twitch.tv", req.URL.Host)

			require.NoError(t, req.ParseForm())
			require.Equal(t, "refresh_token", req.PostForm.Get("grant_type"))
			require.Equal(t, "old-refresh", req.PostForm.Get("refresh_token"))
			require.Equal(t, "client-id", req.PostForm.Get("client_id"))
			require.Equal(t, "secret", req.PostForm.Get("client_secret"))

			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"access_token":"new-access","refresh_token":"new-refresh"}`)),
			}, nil
		}),
	}

	refresher := NewRefresher(client, "client-id", "secret")

	accessToken, refreshToken, err := refresher.RefreshToken(t.Context(), "old-refresh")
	require.NoError(t, err)
	require.Equal(t, "new-access", accessToken)
	require.Equal(t, "new-refresh", refreshToken)
}

func TestRefreshTokenBadStatus(t *testing.T) {
	t.Parallel()

	client := &http.Client{
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusBadRequest,
				Body:       io.NopCloser(strings.NewReader(`{"message":"Invalid refresh token"}`)),
			}, nil
		}),
	}

	refresher := NewRefresher(client, "client-id", "secret")

	_, _, err := refresher.RefreshToken(t.Context(), "old-refresh")
	require.ErrorContains(t, err, "invalid status code")
}
