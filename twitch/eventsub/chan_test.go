package eventsub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestChanReceivesMessages(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		_ = ws.Write(r.Context(), websocket.MessageText, []byte("hello"))

		// keep the socket open until the client leaves
		_, _, _ = ws.Read(r.Context())
	}))
	defer server.Close()

	opened := make(chan struct{}, 1)
	messages := make(chan string, 1)

	c := NewChan(server.URL, zerolog.Nop(), server.Client())
	c.OnOpen = func() { opened <- struct{}{} }
	c.OnMessage = func(data []byte) { messages <- string(data) }

	c.Connect()
	defer c.Close()

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("channel never opened")
	}

	select {
	case msg := <-messages:
		require.Equal(t, "hello", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}

	require.True(t, c.IsOpen())
}

func TestChanSend(t *testing.T) {
	t.Parallel()

	received := make(chan string, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		_, data, err := ws.Read(r.Context())
		if err != nil {
			return
		}

		received <- string(data)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}))
	defer server.Close()

	opened := make(chan struct{}, 1)

	c := NewChan(server.URL, zerolog.Nop(), server.Client())
	c.OnOpen = func() { opened <- struct{}{} }

	c.Connect()
	defer c.Close()

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("channel never opened")
	}

	require.NoError(t, c.Send("ping"))

	select {
	case msg := <-received:
		require.Equal(t, "ping", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the message")
	}
}

func TestChanSendNotOpen(t *testing.T) {
	t.Parallel()

	c := NewChan("ws://127.0.0.1:0", zerolog.Nop(), nil)
	require.ErrorIs(t, c.Send("ping"), ErrChanNotOpen)
}

func TestChanCloseReportsCode(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		_ = ws.Close(websocket.StatusCode(4007), "bad reconnect url")
	}))
	defer server.Close()

	codes := make(chan int, 1)

	c := NewChan(server.URL, zerolog.Nop(), server.Client())
	c.OnClose = func(code int) { codes <- code }

	c.Connect()
	defer c.Close()

	select {
	case code := <-codes:
		require.Equal(t, 4007, code)
	case <-time.After(5 * time.Second):
		t.Fatal("close was never reported")
	}
}

func TestChanConnectAfterClose(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		_, _, _ = ws.Read(r.Context())
	}))
	defer server.Close()

	opened := make(chan struct{}, 1)

	c := NewChan(server.URL, zerolog.Nop(), server.Client())
	c.OnOpen = func() { opened <- struct{}{} }

	c.Close()
	c.Connect()

	select {
	case <-opened:
		t.Fatal("a closed channel must not dial")
	case <-time.After(200 * time.Millisecond):
	}

	require.False(t, c.IsOpen())
}

func TestChanReconnect(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		ctx := context.Background()
		_, _, _ = ws.Read(ctx)
	}))
	defer server.Close()

	opened := make(chan struct{}, 1)
	closes := make(chan int, 1)

	c := NewChan(server.URL, zerolog.Nop(), server.Client())
	c.OnOpen = func() { opened <- struct{}{} }
	c.OnClose = func(code int) { closes <- code }

	c.Connect()
	defer c.Close()

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("channel never opened")
	}

	c.Reconnect()

	select {
	case <-closes:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect never dropped the socket")
	}
}
