package client

import (
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"board-realtime/internal/change"
)

var connLogger = loggo.GetLogger("client.conn")

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	DefaultRetryDelay    = 250 * time.Millisecond
	DefaultMaxRetryDelay = 30 * time.Second
)

// ConnConfig configures a Conn.
type ConnConfig struct {
	// URL is the websocket endpoint, e.g. ws://localhost:17050/ws.
	URL string
	// Token is sent as the bearer credential on every handshake.
	Token  string
	Dialer *websocket.Dialer
	Clock  clock.Clock

	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// OnSubscriptionError is told about channels the server refused.
	OnSubscriptionError func(key change.ChannelKey, reason string)
	// OnReady is called after every (re)connect once subscriptions are
	// restored.
	OnReady func()
}

// Validate checks the config.
func (c ConnConfig) Validate() error {
	if c.URL == "" {
		return errors.NotValidf("empty URL")
	}
	if c.Token == "" {
		return errors.NotValidf("empty Token")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.RetryDelay <= 0 || c.MaxRetryDelay < c.RetryDelay {
		return errors.NotValidf("retry delays %v..%v", c.RetryDelay, c.MaxRetryDelay)
	}
	return nil
}

// Conn is a websocket connection to the realtime server that survives
// disconnects. It tracks the channels it was asked to join and restores
// any the server did not carry over on reconnect. Conn implements
// Transport.
type Conn struct {
	cfg  ConnConfig
	tomb tomb.Tomb

	// mu guards sinks and ws, and serializes writes to ws.
	mu    sync.Mutex
	sinks map[change.ChannelKey]func(change.Event)
	ws    *websocket.Conn
}

// Dial starts a connection. It returns once the connect loop is running;
// the first handshake happens in the background.
func Dial(cfg ConnConfig) (*Conn, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := &Conn{
		cfg:   cfg,
		sinks: make(map[change.ChannelKey]func(change.Event)),
	}
	c.tomb.Go(c.loop)
	return c, nil
}

// Join implements Transport.
func (c *Conn) Join(key change.ChannelKey, sink func(change.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks[key] = sink
	c.writeLocked(change.FrameSubscribe, key)
}

// Leave implements Transport.
func (c *Conn) Leave(key change.ChannelKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sinks, key)
	c.writeLocked(change.FrameUnsubscribe, key)
}

// writeLocked sends a frame on the current socket, if any. A failed write
// is left to the read loop to notice; the reconnect restores the channel.
func (c *Conn) writeLocked(typ change.FrameType, key change.ChannelKey) {
	if c.ws == nil {
		return
	}
	msg, err := json.Marshal(change.ClientFrame{Type: typ, Channel: key.String()})
	if err != nil {
		connLogger.Errorf("encoding %s %s: %v", typ, key, err)
		return
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		connLogger.Debugf("writing %s %s: %v", typ, key, err)
	}
}

// Close shuts the connection down.
func (c *Conn) Close() error {
	c.tomb.Kill(nil)
	return c.Wait()
}

// Wait waits for the connection to stop. A rejected handshake stops it
// with an Unauthorized error.
func (c *Conn) Wait() error {
	err := c.tomb.Wait()
	if err == tomb.ErrDying {
		return nil
	}
	return err
}

// Dead is closed once the connection has stopped.
func (c *Conn) Dead() <-chan struct{} {
	return c.tomb.Dead()
}

func (c *Conn) loop() error {
	for {
		ws, err := c.dial()
		if err != nil {
			return err
		}
		err = c.serve(ws)
		select {
		case <-c.tomb.Dying():
			return tomb.ErrDying
		default:
		}
		connLogger.Infof("connection lost: %v", err)
	}
}

// dial connects with exponential backoff. Authentication failures are not
// retried.
func (c *Conn) dial() (*websocket.Conn, error) {
	ctx := c.tomb.Context(nil)
	header := http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	var ws *websocket.Conn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return errors.Unauthorizedf("websocket handshake")
			}
			if err != nil {
				return errors.Trace(err)
			}
			ws = conn
			return nil
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, errors.Unauthorized)
		},
		NotifyFunc: func(err error, attempt int) {
			connLogger.Debugf("dial attempt %d failed: %v", attempt, err)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       c.cfg.RetryDelay,
		MaxDelay:    c.cfg.MaxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.cfg.Clock,
		Stop:        c.tomb.Dying(),
	})
	if retry.IsRetryStopped(err) {
		return nil, tomb.ErrDying
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ws, nil
}

// serve reads frames until the socket fails or the Conn is killed.
func (c *Conn) serve(ws *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.tomb.Dying():
			ws.Close()
		case <-done:
		}
	}()
	defer func() {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		ws.Close()
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return errors.Trace(err)
		}
		for _, raw := range change.SplitFrames(msg) {
			var f change.ServerFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				connLogger.Warningf("malformed frame: %v", err)
				continue
			}
			c.handle(ws, f)
		}
	}
}

func (c *Conn) handle(ws *websocket.Conn, f change.ServerFrame) {
	switch f.Type {
	case change.FrameSessionReady:
		c.ready(ws, f.Channels)
	case change.FrameChange:
		key, err := change.ParseChannelKey(f.Channel)
		if err != nil {
			connLogger.Warningf("change on %q: %v", f.Channel, err)
			return
		}
		var ev change.Event
		if err := json.Unmarshal(f.Event, &ev); err != nil {
			connLogger.Warningf("change on %s: %v", key, err)
			return
		}
		c.mu.Lock()
		sink := c.sinks[key]
		c.mu.Unlock()
		if sink != nil {
			sink(ev)
		}
	case change.FrameSubscriptionError:
		connLogger.Debugf("subscription to %q refused: %s", f.Channel, f.Error)
		if c.cfg.OnSubscriptionError == nil {
			return
		}
		if key, err := change.ParseChannelKey(f.Channel); err == nil {
			c.cfg.OnSubscriptionError(key, f.Error)
		}
	case change.FrameSubscribed, change.FrameUnsubscribed:
		connLogger.Tracef("%s %s", f.Type, f.Channel)
	default:
		connLogger.Warningf("unknown frame type %q", f.Type)
	}
}

// ready makes ws the active socket and subscribes every tracked channel the
// server did not restore.
func (c *Conn) ready(ws *websocket.Conn, restored []string) {
	have := make(map[string]bool, len(restored))
	for _, k := range restored {
		have[k] = true
	}
	c.mu.Lock()
	c.ws = ws
	for key := range c.sinks {
		if !have[key.String()] {
			c.writeLocked(change.FrameSubscribe, key)
		}
	}
	// Channels left while disconnected come back with the session.
	for _, k := range restored {
		key, err := change.ParseChannelKey(k)
		if err != nil {
			continue
		}
		if _, ok := c.sinks[key]; !ok {
			c.writeLocked(change.FrameUnsubscribe, key)
		}
	}
	c.mu.Unlock()
	connLogger.Debugf("session ready, %d channels restored", len(restored))
	if c.cfg.OnReady != nil {
		c.cfg.OnReady()
	}
}

var _ Transport = (*Conn)(nil)
