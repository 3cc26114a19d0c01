// Package listener maintains a dedicated LISTEN connection against the
// notification channel and applies incoming events to the process-local
// cache tier, reconnecting with full-jitter backoff whenever the connection
// drops.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mnorrsken/pgcache/internal/localcache"
	"github.com/mnorrsken/pgcache/internal/pgstore"
	"github.com/mnorrsken/pgcache/internal/schema"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
	waitChunk  = 5 * time.Second
)

// Listener owns a dedicated connection for LISTEN/NOTIFY and applies every
// received event to a local cache.
type Listener struct {
	connString string
	names      schema.Names
	local      *localcache.Cache
	debug      bool

	onReconnect    func()
	onDecodeError  func(error)
	onNotification func(pgstore.Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *pgx.Conn
}

// New creates a listener that will connect using connString and apply
// events for names.Channel to local. debug enables verbose logging of failed
// reconnect attempts, matching the teacher's SetDebug switches; decode
// failures are logged whether or not debug is set.
func New(connString string, names schema.Names, local *localcache.Cache, debug bool) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		connString: connString,
		names:      names,
		local:      local,
		debug:      debug,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnReconnect registers a hook invoked after every successful (re)connect,
// including the first. The cache façade uses this to flush the local tier,
// since events raised while disconnected are otherwise lost.
func (l *Listener) OnReconnect(fn func()) { l.onReconnect = fn }

// OnDecodeError registers a hook invoked when a payload fails to parse.
func (l *Listener) OnDecodeError(fn func(error)) { l.onDecodeError = fn }

// OnNotification registers a hook invoked for every successfully decoded
// event, after it has already been applied to the local cache.
func (l *Listener) OnNotification(fn func(pgstore.Event)) { l.onNotification = fn }

// Start opens the listener connection and begins processing events in the
// background. It makes a single connection attempt and returns that
// attempt's error if it fails; retries happen only after a later drop.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}
	l.setConn(conn)
	if l.onReconnect != nil {
		l.onReconnect()
	}

	l.wg.Add(1)
	go l.run()
	return nil
}

// Close stops the background loop and releases the listener connection.
func (l *Listener) Close() {
	l.cancel()
	l.wg.Wait()

	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		conn.Close(context.Background())
	}
}

func (l *Listener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, fmt.Errorf("listener: connect: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", l.names.Channel)); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("listener: LISTEN %s: %w", l.names.Channel, err)
	}
	return conn, nil
}

func (l *Listener) setConn(conn *pgx.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

func (l *Listener) getConn() *pgx.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *Listener) run() {
	defer l.wg.Done()

	backoff := minBackoff

	for {
		if l.ctx.Err() != nil {
			return
		}

		waitCtx, cancel := context.WithTimeout(l.ctx, waitChunk)
		notification, err := l.getConn().WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}

			log.Printf("listener: connection lost, reconnecting: %v", err)
			conn, reconnectErr := l.reconnectWithBackoff(&backoff)
			if conn == nil {
				return
			}
			l.setConn(conn)
			backoff = minBackoff
			if reconnectErr == nil && l.onReconnect != nil {
				l.onReconnect()
			}
			continue
		}

		backoff = minBackoff
		l.handle(notification.Payload)
	}
}

// reconnectWithBackoff retries connect with full jitter until it succeeds or
// the listener is closed. It returns nil only when shutdown was requested.
func (l *Listener) reconnectWithBackoff(backoff *time.Duration) (*pgx.Conn, error) {
	for {
		conn, err := l.connect(l.ctx)
		if err == nil {
			return conn, nil
		}
		if l.ctx.Err() != nil {
			return nil, l.ctx.Err()
		}

		if l.debug {
			log.Printf("[DEBUG] listener: reconnect attempt failed: %v", err)
		}
		wait := fullJitter(*backoff)
		select {
		case <-time.After(wait):
		case <-l.ctx.Done():
			return nil, l.ctx.Err()
		}

		*backoff *= 2
		if *backoff > maxBackoff {
			*backoff = maxBackoff
		}
	}
}

// fullJitter picks a uniformly random duration in [0, backoff), per the
// full-jitter strategy: spreading retries across the whole window, not just
// scaling the wait, is what avoids synchronized reconnect storms across
// many processes.
func fullJitter(backoff time.Duration) time.Duration {
	if backoff <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(backoff)))
}

func (l *Listener) handle(payload string) {
	var event pgstore.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		log.Printf("listener: discarding unparseable notification: %v", err)
		if l.onDecodeError != nil {
			l.onDecodeError(err)
		}
		return
	}

	l.local.Drop(event.Key)

	if l.onNotification != nil {
		l.onNotification(event)
	}
}
