package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/4xmen/goftegu/pkg/logger"
)

// Subscriber is the client end of the event stream.
type Subscriber struct {
	url     string
	token   func() string
	dialer  *websocket.Dialer
	logger  *zap.Logger
	handler func(Event)

	minBackoff time.Duration
	maxBackoff time.Duration
}

type SubscriberOption func(*Subscriber)

func WithDialer(d *websocket.Dialer) SubscriberOption {
	return func(s *Subscriber) { s.dialer = d }
}

func WithBackoff(min, max time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.minBackoff = min
		s.maxBackoff = max
	}
}

func WithSubscriberLogger(log *zap.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = log }
}

func NewSubscriber(url string, token func() string, handler func(Event), opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		url:        url,
		token:      token,
		dialer:     websocket.DefaultDialer,
		handler:    handler,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrNop(s.logger)
	return s
}

// Run listens until ctx is done, reconnecting with capped exponential
// backoff. A rejected handshake (401) ends Run with that error.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		connected, err := s.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrHandshakeUnauthorized) {
			return err
		}
		if connected {
			backoff = s.minBackoff
		}
		s.logger.Info("event stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

var ErrHandshakeUnauthorized = errors.New("event stream rejected the session token")

// Listen holds a single connection open and returns when it drops.
func (s *Subscriber) Listen(ctx context.Context) error {
	_, err := s.listen(ctx)
	return err
}

func (s *Subscriber) listen(ctx context.Context) (bool, error) {
	header := http.Header{}
	if s.token != nil {
		if token := s.token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrHandshakeUnauthorized
		}
		return false, errors.Wrap(err, "dial event stream")
	}
	defer conn.Close()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	defer func() {
		close(stop)
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepAlive(ctx, conn, stop)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// The server pings too; reading its pings also extends the deadline.
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, errors.Wrap(err, "read event")
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("dropping malformed event", zap.Error(err))
			continue
		}
		if s.handler != nil {
			s.handler(ev)
		}
	}
}

// keepAlive pings the server and closes the connection on ctx cancellation so
// the blocked reader returns.
func (s *Subscriber) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
