package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/chatcore/pkg/stream"
)

// Broadcaster delivers a pre-marshaled event to a channel's subscribers.
// Implemented by ConnectionManager.
type Broadcaster interface {
	Broadcast(channel string, event []byte)
}

type statusUpdate struct {
	status stream.ChatStatus
	active bool
}

// Publisher turns stream status changes and history saves into WebSocket
// events.
//
// Store listeners run with the stream store locked, so updates are only
// recorded there. A single worker goroutine broadcasts them. Updates for
// the same chat (or user) that arrive before the worker picks them up are
// coalesced to the latest one.
type Publisher struct {
	out Broadcaster
	now func() time.Time

	mu       sync.Mutex
	statuses map[string]statusUpdate // chat_id → latest status
	versions map[string]int64        // user_id → latest version
	started  bool
	stopped  bool

	signal      chan struct{}
	done        chan struct{}
	unsubscribe func()
}

// NewPublisher creates a Publisher writing to out. Call Start to begin
// delivering.
func NewPublisher(out Broadcaster) *Publisher {
	return &Publisher{
		out:      out,
		now:      time.Now,
		statuses: make(map[string]statusUpdate),
		versions: make(map[string]int64),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the stream store and starts the delivery worker.
func (p *Publisher) Start(store *stream.Store) {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	p.unsubscribe = store.Subscribe(p.onStatus)
	go p.run()
}

// Stop unsubscribes from the store, delivers what is pending and waits
// for the worker to exit.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()
	if !started {
		return
	}

	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	close(p.signal)
	<-p.done
}

// PublishHistoryChanged announces a new history version to the user's channel.
func (p *Publisher) PublishHistoryChanged(userID string, version int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if version >= p.versions[userID] {
		p.versions[userID] = version
	}
	p.wake()
}

func (p *Publisher) onStatus(chatID string, status stream.ChatStatus, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.statuses[chatID] = statusUpdate{status: status, active: active}
	p.wake()
}

// wake must be called with mu held.
func (p *Publisher) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for range p.signal {
		p.flush()
	}
	p.flush()
}

func (p *Publisher) flush() {
	p.mu.Lock()
	statuses, versions := p.statuses, p.versions
	p.statuses = make(map[string]statusUpdate)
	p.versions = make(map[string]int64)
	p.mu.Unlock()

	at := p.now()
	for chatID, u := range statuses {
		data, err := marshalChatStatus(chatID, u.status, u.active, at)
		if err != nil {
			slog.Error("Failed to build chat status event", "chat_id", chatID, "error", err)
			continue
		}
		p.out.Broadcast(ChatChannel(chatID), data)
	}
	for userID, version := range versions {
		data, err := json.Marshal(HistoryChangedPayload{
			Type:      EventTypeHistoryChanged,
			UserID:    userID,
			Version:   version,
			Timestamp: at.Format(time.RFC3339Nano),
		})
		if err != nil {
			slog.Error("Failed to build history event", "user_id", userID, "error", err)
			continue
		}
		p.out.Broadcast(UserChannel(userID), data)
	}
}
