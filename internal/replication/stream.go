package replication

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/retry"
)

// Triggerer schedules an immediate cycle for a collection.
type Triggerer interface {
	Trigger(collection string)
}

// StreamListener subscribes to the server's change stream and triggers a
// pull for every collection it hears about. It reconnects with backoff
// until ctx is done; the periodic cycle keeps replicas converging while
// the stream is down.
type StreamListener struct {
	url       string
	replicaID string
	target    Triggerer
	logger    *slog.Logger
	dialer    *websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewStreamListener listens on serverURL's /v1/replication/stream.
// serverURL uses http(s); the scheme is switched to ws(s).
func NewStreamListener(serverURL, replicaID string, target Triggerer, logger *slog.Logger) (*StreamListener, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/") + "/v1/replication/stream")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errors.New("stream: unsupported scheme " + u.Scheme)
	}
	return &StreamListener{
		url:        u.String(),
		replicaID:  replicaID,
		target:     target,
		logger:     logger,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}, nil
}

// Run blocks until ctx is done. Call in a goroutine.
func (l *StreamListener) Run(ctx context.Context) {
	backoff := l.minBackoff
	for {
		connected, err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = l.minBackoff
		}
		l.logger.Warn("change stream disconnected", "error", err, "retryIn", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry.Backoff(backoff)):
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

// listen holds one connection. connected reports whether the handshake
// succeeded.
func (l *StreamListener) listen(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	header.Set(realtime.ReplicaHeader, l.replicaID)
	conn, resp, err := l.dialer.DialContext(ctx, l.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	l.logger.Info("change stream connected", "url", l.url)
	// Anything newer than our checkpoints may have landed while we were away.
	if all, ok := l.target.(interface{ TriggerAll() }); ok {
		all.TriggerAll()
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var change realtime.Change
		if err := json.Unmarshal(msg, &change); err != nil || change.Collection == "" {
			l.logger.Debug("ignoring malformed change notification", "error", err)
			continue
		}
		l.target.Trigger(change.Collection)
	}
}
