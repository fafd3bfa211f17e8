// Package events delivers change notifications to the webhook listeners
// registered along an entry's ancestor chain.
//
// Delivery is best effort and at most once. Every call returns at once and
// runs in a background task detached from the caller's context; failures
// are logged and never reported back to the mutation that triggered them.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/fileserver/internal/logging"
	"github.com/fruitsalade/fileserver/internal/metadata"
	"github.com/fruitsalade/fileserver/internal/metrics"
	"github.com/fruitsalade/fileserver/internal/tree"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultFanout  = 10
)

// WireName is the envelope event name for a listener event name.
func WireName(event string) string {
	return "fs_item:" + event
}

// Envelope is the JSON body posted to every endpoint.
type Envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// DeletedPayload is the payload of a deleted event.
type DeletedPayload struct {
	Entry      *metadata.Entry `json:"entry"`
	DeletedIDs []int64         `json:"deleted_ids"`
}

// SyncedPayload is the payload of a synced event.
type SyncedPayload struct {
	Entry  *metadata.Entry `json:"entry"`
	Result tree.Result     `json:"result"`
}

// Config holds notifier settings. Zero values select the defaults.
type Config struct {
	Timeout time.Duration
	Fanout  int
}

// Notifier resolves listeners and posts envelopes to them.
type Notifier struct {
	store       metadata.Store
	client      *http.Client
	fanout      int
	broadcaster *Broadcaster
	now         func() time.Time
	wg          sync.WaitGroup
}

var _ tree.Observer = (*Notifier)(nil)

// New creates a Notifier.
func New(store metadata.Store, cfg Config) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultFanout
	}
	return &Notifier{
		store:       store,
		client:      &http.Client{Timeout: cfg.Timeout},
		fanout:      cfg.Fanout,
		broadcaster: NewBroadcaster(),
		now:         time.Now,
	}
}

// Broadcaster returns the hub that receives a copy of every envelope.
func (n *Notifier) Broadcaster() *Broadcaster { return n.broadcaster }

// Report summarizes one notification task.
type Report struct {
	Listeners int
	Delivered int
	Failed    int
}

// Task is the handle of a detached notification.
type Task struct {
	done   chan struct{}
	report Report
}

// Done is closed when every delivery attempt has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes and returns its report.
func (t *Task) Wait() Report {
	<-t.done
	return t.report
}

// Notify posts event for entry to every listener on entry or an ancestor.
func (n *Notifier) Notify(event string, entry *metadata.Entry) *Task {
	return n.spawn(event, entry.ID, func(ctx context.Context) ([]metadata.Listener, any, error) {
		ls, err := n.store.ListenersForChain(ctx, entry.ID)
		return ls, entry, err
	})
}

// NotifySynced posts a synced event carrying the synchronization counts.
func (n *Notifier) NotifySynced(root *metadata.Entry, result tree.Result) *Task {
	return n.spawn(metadata.EventSynced, root.ID, func(ctx context.Context) ([]metadata.Listener, any, error) {
		ls, err := n.store.ListenersForChain(ctx, root.ID)
		return ls, SyncedPayload{Entry: root, Result: result}, err
	})
}

// NotifyDeleted posts a deleted event. The removed rows can no longer be
// walked, so listeners are resolved from the target's parent chain plus
// any registration anchored directly on a deleted id.
func (n *Notifier) NotifyDeleted(target *metadata.Entry, deleted []int64) *Task {
	return n.spawn(metadata.EventDeleted, target.ID, func(ctx context.Context) ([]metadata.Listener, any, error) {
		payload := DeletedPayload{Entry: target, DeletedIDs: deleted}

		var chain []metadata.Listener
		if target.Parent != nil {
			var err error
			chain, err = n.store.ListenersForChain(ctx, *target.Parent)
			if err != nil {
				return nil, payload, err
			}
		}
		direct, err := n.store.ListenersByRef(ctx, deleted)
		if err != nil {
			return nil, payload, err
		}
		return dedupe(append(chain, direct...)), payload, nil
	})
}

// Synced implements tree.Observer.
func (n *Notifier) Synced(root *metadata.Entry, result tree.Result) {
	n.NotifySynced(root, result)
}

// Deleted implements tree.Observer.
func (n *Notifier) Deleted(target *metadata.Entry, deleted []int64) {
	if len(deleted) == 0 {
		return
	}
	n.NotifyDeleted(target, deleted)
}

// Wait blocks until every task started so far has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

type resolver func(ctx context.Context) ([]metadata.Listener, any, error)

func (n *Notifier) spawn(event string, entryID int64, resolve resolver) *Task {
	task := &Task{done: make(chan struct{})}
	n.wg.Add(1)

	go func() {
		defer n.wg.Done()
		defer close(task.done)

		log := logging.L().With(zap.String("event", event), logging.EntryID(entryID))

		// Deliveries carry no cancellation from the triggering call.
		ctx := context.Background()

		listeners, payload, err := resolve(ctx)
		if err != nil {
			log.Error("resolve listeners failed", zap.Error(err))
			return
		}

		env := Envelope{Event: WireName(event), Timestamp: n.now().UTC(), Payload: payload}
		n.broadcaster.Publish(env)

		task.report = n.dispatch(ctx, log, event, env, listeners)
		log.Debug("notification finished",
			zap.Int("listeners", task.report.Listeners),
			zap.Int("delivered", task.report.Delivered),
			zap.Int("failed", task.report.Failed))
	}()

	return task
}

func (n *Notifier) dispatch(ctx context.Context, log *zap.Logger, event string, env Envelope, listeners []metadata.Listener) Report {
	report := Report{Listeners: len(listeners)}
	if len(listeners) == 0 {
		return report
	}

	body, err := json.Marshal(env)
	if err != nil {
		log.Error("marshal envelope failed", zap.Error(err))
		report.Failed = len(listeners)
		return report
	}

	var delivered, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(n.fanout)
	for _, l := range listeners {
		g.Go(func() error {
			start := time.Now()
			err := n.post(ctx, l.Endpoint, body)
			metrics.RecordWebhook(event, time.Since(start), err == nil)
			if err != nil {
				failed.Add(1)
				log.Warn("webhook delivery failed",
					zap.String("listener", l.ID.String()),
					zap.String("endpoint", l.Endpoint),
					zap.Error(err))
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	g.Wait()

	report.Delivered = int(delivered.Load())
	report.Failed = int(failed.Load())
	return report
}

func (n *Notifier) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func dedupe(ls []metadata.Listener) []metadata.Listener {
	seen := make(map[uuid.UUID]bool, len(ls))
	out := ls[:0]
	for _, l := range ls {
		if seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		out = append(out, l)
	}
	return out
}
