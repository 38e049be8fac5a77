package approvals

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeveci/reeve-pipeline/schema"
)

type capture struct {
	lock     sync.Mutex
	requests []Request
}

func (c *capture) NotifyApproval(ctx context.Context, request Request) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.requests = append(c.requests, request)
	return nil
}

func (c *capture) last(t *testing.T) Request {
	c.lock.Lock()
	defer c.lock.Unlock()
	require.NotEmpty(t, c.requests)
	return c.requests[len(c.requests)-1]
}

func decisions() (func(Decision), <-chan Decision) {
	ch := make(chan Decision, 2)
	return func(d Decision) { ch <- d }, ch
}

func TestDecide(t *testing.T) {
	notifier := &capture{}
	broker := NewBroker(notifier, nil)
	resume, ch := decisions()

	require.NoError(t, broker.Request(context.Background(), Request{RunID: "r1", Stage: "Approval", Pipeline: "api", Message: "Deploy to prod?"}, 0, resume))
	notification := notifier.last(t)
	assert.NotEmpty(t, notification.Token)
	assert.Equal(t, "Deploy to prod?", notification.Message)

	pending := broker.Pending()
	require.Len(t, pending, 1)
	assert.Empty(t, pending[0].Token)

	err := broker.Decide("r1", "Approval", "wrong", Decision{Approved: true})
	assert.ErrorIs(t, err, schema.ERROR_PERMISSION_DENIED)

	err = broker.Decide("r1", "Other", notification.Token, Decision{Approved: true})
	assert.ErrorIs(t, err, schema.ERROR_NOT_FOUND)

	require.NoError(t, broker.Decide("r1", "Approval", notification.Token, Decision{Approved: true, Actor: "alice"}))
	decision := <-ch
	assert.True(t, decision.Approved)
	assert.Equal(t, "alice", decision.Actor)
	assert.False(t, decision.Timestamp.IsZero())

	err = broker.Decide("r1", "Approval", notification.Token, Decision{Approved: false})
	assert.ErrorIs(t, err, schema.ERROR_NOT_FOUND)
	assert.Empty(t, broker.Pending())
}

func TestTimeout(t *testing.T) {
	notifier := &capture{}
	broker := NewBroker(notifier, nil)
	resume, ch := decisions()

	require.NoError(t, broker.Request(context.Background(), Request{RunID: "r1", Stage: "Approval"}, 20*time.Millisecond, resume))
	assert.False(t, notifier.last(t).ExpiresAt.IsZero())

	select {
	case decision := <-ch:
		assert.False(t, decision.Approved)
		assert.True(t, decision.TimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}

	err := broker.Decide("r1", "Approval", notifier.last(t).Token, Decision{Approved: true})
	assert.ErrorIs(t, err, schema.ERROR_NOT_FOUND)
	assert.Empty(t, ch)
}

func TestWithdraw(t *testing.T) {
	notifier := &capture{}
	broker := NewBroker(notifier, nil)
	resume, ch := decisions()

	require.NoError(t, broker.Request(context.Background(), Request{RunID: "r1", Stage: "Approval"}, 0, resume))
	assert.Error(t, broker.Request(context.Background(), Request{RunID: "r1", Stage: "Approval"}, 0, resume))

	assert.True(t, broker.Withdraw("r1"))
	assert.False(t, broker.Withdraw("r1"))
	assert.Empty(t, broker.Pending())

	err := broker.Decide("r1", "Approval", notifier.last(t).Token, Decision{Approved: true})
	assert.ErrorIs(t, err, schema.ERROR_NOT_FOUND)
	assert.Empty(t, ch)
}

func TestWithdrawStopsTimeout(t *testing.T) {
	broker := NewBroker(nil, nil)
	resume, ch := decisions()

	require.NoError(t, broker.Request(context.Background(), Request{RunID: "r1", Stage: "Approval"}, 100*time.Millisecond, resume))
	require.True(t, broker.Withdraw("r1"))

	select {
	case decision := <-ch:
		t.Fatalf("withdrawn request resumed with %+v", decision)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWebhookNotifier(t *testing.T) {
	received := make(chan Request, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request Request
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- request
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := NewWebhookNotifier(server.URL).NotifyApproval(context.Background(), Request{RunID: "r1", Stage: "Approval", Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "r1", (<-received).RunID)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	err = Notifiers{NewWebhookNotifier(failing.URL)}.NotifyApproval(context.Background(), Request{})
	assert.Error(t, err)
}
