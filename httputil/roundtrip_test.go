package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestStreamsubRoundTrip_SetsUserAgent(t *testing.T) {
	t.Parallel()

	var gotUserAgent string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	client := &http.Client{
		Transport: NewStreamsubRoundTrip(nil, zerolog.Nop(), "1.2.3"),
	}

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "streamsub/1.2.3", gotUserAgent)
}

func TestRoundTripperFunc(t *testing.T) {
	t.Parallel()

	called := false

	rt := RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		called = true
		return &http.Response{StatusCode: http.StatusOK}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
