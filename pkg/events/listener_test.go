package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/chatcore/pkg/store"
)

type historyCall struct {
	userID  string
	version int64
}

// historyRecorder implements HistoryPublisher.
type historyRecorder struct {
	mu    sync.Mutex
	calls []historyCall
}

func (h *historyRecorder) PublishHistoryChanged(userID string, version int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, historyCall{userID: userID, version: version})
}

func (h *historyRecorder) received() []historyCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]historyCall(nil), h.calls...)
}

func TestNewNotifyListener(t *testing.T) {
	rec := &historyRecorder{}
	listener := NewNotifyListener("host=localhost dbname=test", rec)

	assert.Equal(t, "host=localhost dbname=test", listener.connString)
	assert.Equal(t, store.NotifyChannel, listener.channel)
	assert.Equal(t, rec, listener.publisher)
}

func TestNotifyListener_Dispatch(t *testing.T) {
	rec := &historyRecorder{}
	listener := NewNotifyListener("", rec)

	listener.dispatch(`{"user_id":"alice","version":7}`)
	listener.dispatch(`not json`)
	listener.dispatch(`{"version":2}`)

	assert.Equal(t, []historyCall{{userID: "alice", version: 7}}, rec.received())
}

func TestNotifyListener_StartFailsWithoutDatabase(t *testing.T) {
	listener := NewNotifyListener("postgres://nobody@127.0.0.1:1/none?connect_timeout=1", &historyRecorder{})
	assert.Error(t, listener.Start(t.Context()))
	listener.Stop(t.Context())
}
