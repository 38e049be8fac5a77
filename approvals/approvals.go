package approvals

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/reeveci/reeve-pipeline/crypto"
	"github.com/reeveci/reeve-pipeline/schema"
)

// Request describes a run waiting at an approval stage. Token is only set on
// the copy handed to the notifier.
type Request struct {
	RunID       string    `json:"runId"`
	Pipeline    string    `json:"pipeline"`
	Stage       string    `json:"stage"`
	Environment string    `json:"environment"`
	Message     string    `json:"message,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	Token       string    `json:"token,omitempty"`
}

type Decision struct {
	Approved  bool      `json:"approved"`
	Actor     string    `json:"actor,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Set when the request expired without a decision.
	TimedOut bool `json:"timedOut,omitempty"`
}

// Notifier tells approvers about a new request.
type Notifier interface {
	NotifyApproval(ctx context.Context, request Request) error
}

type key struct {
	runID, stage string
}

type pending struct {
	request   Request
	tokenHash string
	resume    func(Decision)
	timer     *time.Timer
}

// Broker keeps the open approval requests. Every request is resolved exactly
// once: by a decision, by its timeout, or by being withdrawn.
type Broker struct {
	notifier Notifier
	logger   hclog.Logger
	now      func() time.Time

	lock    sync.Mutex
	pending map[key]*pending
}

func NewBroker(notifier Notifier, logger hclog.Logger) *Broker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Broker{
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		pending:  make(map[key]*pending),
	}
}

// Request registers an approval request and notifies approvers. resume is
// called once with the decision, from another goroutine. A timeout of zero
// waits indefinitely.
func (b *Broker) Request(ctx context.Context, request Request, timeout time.Duration, resume func(Decision)) error {
	token, hash, err := crypto.NewToken()
	if err != nil {
		return err
	}

	request.RequestedAt = b.now().UTC()
	request.Token = ""
	if timeout > 0 {
		request.ExpiresAt = request.RequestedAt.Add(timeout)
	}

	k := key{request.RunID, request.Stage}
	entry := &pending{request: request, tokenHash: hash, resume: resume}

	b.lock.Lock()
	if _, exists := b.pending[k]; exists {
		b.lock.Unlock()
		return fmt.Errorf("approval for stage %s of run %s is already pending", request.Stage, request.RunID)
	}
	b.pending[k] = entry
	if timeout > 0 {
		entry.timer = time.AfterFunc(timeout, func() {
			if b.take(k, entry) {
				b.logger.Info("approval timed out", "run", k.runID, "stage", k.stage)
				resume(Decision{Approved: false, TimedOut: true, Timestamp: b.now().UTC()})
			}
		})
	}
	b.lock.Unlock()

	b.logger.Info("approval requested", "run", request.RunID, "stage", request.Stage, "pipeline", request.Pipeline)

	if b.notifier != nil {
		notification := request
		notification.Token = token
		if err := b.notifier.NotifyApproval(ctx, notification); err != nil {
			b.logger.Warn("error notifying approvers", "run", request.RunID, "stage", request.Stage, "error", err)
		}
	}
	return nil
}

// Decide resolves a pending request. The token must be the one handed to the
// notifier.
func (b *Broker) Decide(runID, stage, token string, decision Decision) error {
	k := key{runID, stage}

	b.lock.Lock()
	entry, ok := b.pending[k]
	b.lock.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval for stage %s of run %s - %w", stage, runID, schema.ERROR_NOT_FOUND)
	}

	valid, err := crypto.CompareToHash(token, entry.tokenHash)
	if err != nil {
		return fmt.Errorf("error verifying approval token - %w", err)
	}
	if !valid {
		return fmt.Errorf("invalid approval token for stage %s of run %s - %w", stage, runID, schema.ERROR_PERMISSION_DENIED)
	}

	if !b.take(k, entry) {
		return fmt.Errorf("approval for stage %s of run %s was already resolved - %w", stage, runID, schema.ERROR_ALREADY_FINISHED)
	}

	if decision.Timestamp.IsZero() {
		decision.Timestamp = b.now().UTC()
	}
	decision.TimedOut = false
	b.logger.Info("approval decided", "run", runID, "stage", stage, "approved", decision.Approved, "actor", decision.Actor)
	entry.resume(decision)
	return nil
}

// Withdraw drops every pending request of a run without resuming it.
func (b *Broker) Withdraw(runID string) (withdrawn bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	for k, entry := range b.pending {
		if k.runID == runID {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			delete(b.pending, k)
			withdrawn = true
		}
	}
	return
}

// Pending lists the open requests, oldest first.
func (b *Broker) Pending() []Request {
	b.lock.Lock()
	defer b.lock.Unlock()

	result := make([]Request, 0, len(b.pending))
	for _, entry := range b.pending {
		result = append(result, entry.request)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RequestedAt.Equal(result[j].RequestedAt) {
			return result[i].RequestedAt.Before(result[j].RequestedAt)
		}
		return result[i].RunID < result[j].RunID
	})
	return result
}

func (b *Broker) take(k key, entry *pending) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.pending[k] != entry {
		return false
	}
	delete(b.pending, k)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return true
}
