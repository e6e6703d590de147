package eventsub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

const (
	maxMessageSize = 5 * 1024 * 1024 // 5MB

	// DefaultURL is the public eventsub websocket endpoint.
	DefaultURL = "wss://eventsub.wss.twitch.tv/ws?keepalive_timeout_seconds=30"

	dialTimeout = time.Second * 30
	redialWait  = time.Second * 5
	writeWait   = time.Second * 10
)

var ErrChanNotOpen = errors.New("channel is not open")

// Chan is one persistent duplex websocket channel. It redials on low-level
// failures until Close is called and reports lifecycle changes through the
// OnOpen/OnMessage/OnClose callbacks. Callbacks must be set before Connect
// and are invoked from the channel's read goroutine.
type Chan struct {
	URL string

	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(code int)

	httpClient *http.Client
	logger     zerolog.Logger

	m      sync.Mutex
	ws     *websocket.Conn
	open   bool
	closed bool
	cancel context.CancelFunc
}

func NewChan(url string, logger zerolog.Logger, httpClient *http.Client) *Chan {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Chan{
		URL:        url,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "eventsub-chan").Logger(),
		OnOpen:     func() {},
		OnMessage:  func(data []byte) {},
		OnClose:    func(code int) {},
	}
}

// Connect starts the dial/read loop. Calling Connect more than once or
// after Close is a no-op.
func (c *Chan) Connect() {
	c.m.Lock()
	if c.cancel != nil || c.closed {
		c.m.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.m.Unlock()

	go c.run(ctx)
}

func (c *Chan) run(ctx context.Context) {
	for {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		ws, _, err := websocket.Dial(dialCtx, c.URL, &websocket.DialOptions{
			HTTPClient: c.httpClient,
		})
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}

			c.logger.Err(err).Str("url", c.URL).Msg("failed to dial")

			select {
			case <-ctx.Done():
				return
			case <-time.After(redialWait):
			}

			continue
		}

		ws.SetReadLimit(maxMessageSize)

		c.m.Lock()
		c.ws = ws
		c.open = true
		c.m.Unlock()

		c.OnOpen()

		code := c.readLoop(ctx, ws)

		c.m.Lock()
		c.open = false
		c.ws = nil
		closed := c.closed
		c.m.Unlock()

		c.OnClose(code)

		if closed || ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(redialWait):
		}
	}
}

// readLoop reads until the socket fails and returns the close status code,
// or -1 when the socket died without a close frame.
func (c *Chan) readLoop(ctx context.Context, ws *websocket.Conn) int {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return int(websocket.CloseStatus(err))
		}

		c.OnMessage(data)
	}
}

func (c *Chan) Send(text string) error {
	c.m.Lock()
	ws, open := c.ws, c.open
	c.m.Unlock()

	if !open || ws == nil {
		return ErrChanNotOpen
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	return ws.Write(ctx, websocket.MessageText, []byte(text))
}

func (c *Chan) IsOpen() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.open
}

// Reconnect drops the current socket gracefully, the run loop redials.
func (c *Chan) Reconnect() {
	c.m.Lock()
	ws := c.ws
	c.m.Unlock()

	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "reconnect")
	}
}

// ForceReconnect tears the socket down without a closing handshake. Used
// when the peer stopped responding and a graceful close would just block.
func (c *Chan) ForceReconnect() {
	c.m.Lock()
	ws := c.ws
	c.m.Unlock()

	if ws != nil {
		_ = ws.CloseNow()
	}
}

// Close shuts the channel down for good.
func (c *Chan) Close() {
	c.m.Lock()
	if c.closed {
		c.m.Unlock()
		return
	}

	c.closed = true
	ws := c.ws
	cancel := c.cancel
	c.m.Unlock()

	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "closing")
	}

	if cancel != nil {
		cancel()
	}
}
