package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/chatcore/pkg/store"
)

// HistoryPublisher receives history saves announced by the store.
// Implemented by Publisher.
type HistoryPublisher interface {
	PublishHistoryChanged(userID string, version int64)
}

// NotifyListener listens for PostgreSQL NOTIFY events on the history
// channel and hands them to a HistoryPublisher. Every replica runs one,
// so a save on any replica reaches clients connected to all of them.
type NotifyListener struct {
	connString string
	channel    string
	conn       *pgx.Conn // Dedicated connection for LISTEN
	connMu     sync.Mutex
	publisher  HistoryPublisher

	// cancelLoop and loopDone coordinate graceful shutdown of the receive loop.
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewNotifyListener creates a listener for store.NotifyChannel.
func NewNotifyListener(connString string, publisher HistoryPublisher) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		channel:    store.NotifyChannel,
		publisher:  publisher,
	}
}

// Start establishes the dedicated LISTEN connection and begins receiving notifications.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("NotifyListener started", "channel", l.channel)
	return nil
}

func (l *NotifyListener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("LISTEN %s failed: %w", l.channel, err)
	}
	return conn, nil
}

// receiveLoop receives notifications until ctx is cancelled. It is the sole
// goroutine that touches the pgx connection after Start.
func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.dispatch(notification.Payload)
	}
}

func (l *NotifyListener) dispatch(raw string) {
	var payload store.HistoryChangedPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload.UserID == "" {
		slog.Warn("Ignoring malformed history notification", "payload", raw, "error", err)
		return
	}
	l.publisher.PublishHistoryChanged(payload.UserID, payload.Version)
}

// reconnect re-establishes the LISTEN connection with exponential backoff.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := l.connect(ctx)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn
		slog.Info("NotifyListener reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it to finish,
// then closes the LISTEN connection.
func (l *NotifyListener) Stop(ctx context.Context) {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
