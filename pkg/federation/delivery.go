package federation

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ehrenfest-quantum/quasi-board/pkg/canonical"
	"github.com/ehrenfest-quantum/quasi-board/pkg/httpsig"
)

// MaxAttempts is how many times a delivery is tried before being dropped.
const MaxAttempts = 5

// backoffSchedule holds the wait before attempt n+1. Indexed by the number
// of failed attempts so far.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	25 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// delivery is one queued activity bound for one follower inbox.
type delivery struct {
	follower Follower
	body     []byte
	attempts int
}

// inboxQueue is a FIFO of pending deliveries for a single follower. One
// worker drains it, so activities reach each inbox in publish order.
type inboxQueue struct {
	mu     sync.Mutex
	items  []*delivery
	wake   chan struct{}
	closed bool
}

func newInboxQueue() *inboxQueue {
	return &inboxQueue{wake: make(chan struct{}, 1)}
}

func (q *inboxQueue) push(d *delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pushFront requeues a delivery at the head, preserving FIFO order after a
// cancelled backoff.
func (q *inboxQueue) pushFront(d *delivery) {
	q.mu.Lock()
	q.items = append([]*delivery{d}, q.items...)
	q.mu.Unlock()
}

func (q *inboxQueue) pop() *delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d
}

// Deliverer fans activities out to follower inboxes. Each follower gets a
// dedicated FIFO queue and worker goroutine so a slow inbox never blocks
// the others. Delivery is at-most-once per attempt budget: after
// MaxAttempts failures the activity is dropped and logged.
type Deliverer struct {
	signer  httpsig.Signer
	client  *http.Client
	logger  *slog.Logger
	backoff []time.Duration

	mu     sync.Mutex
	queues map[string]*inboxQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeliverer creates a deliverer signing outbound requests with signer.
func NewDeliverer(signer httpsig.Signer) *Deliverer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Deliverer{
		signer:  signer,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default().With("component", "federation"),
		backoff: backoffSchedule,
		queues:  make(map[string]*inboxQueue),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// WithClient overrides the HTTP client for testing.
func (d *Deliverer) WithClient(client *http.Client) *Deliverer {
	d.client = client
	return d
}

// WithBackoff overrides the retry schedule for testing.
func (d *Deliverer) WithBackoff(schedule []time.Duration) *Deliverer {
	d.backoff = schedule
	return d
}

// Broadcast serializes activity once and enqueues it for every follower.
func (d *Deliverer) Broadcast(followers []Follower, activity any) error {
	body, err := canonical.Canonicalize(activity)
	if err != nil {
		return fmt.Errorf("federation: serialize activity: %w", err)
	}
	for _, f := range followers {
		d.enqueue(f, body)
	}
	return nil
}

// Deliver enqueues activity for a single follower.
func (d *Deliverer) Deliver(f Follower, activity any) error {
	body, err := canonical.Canonicalize(activity)
	if err != nil {
		return fmt.Errorf("federation: serialize activity: %w", err)
	}
	d.enqueue(f, body)
	return nil
}

func (d *Deliverer) enqueue(f Follower, body []byte) {
	d.mu.Lock()
	q, ok := d.queues[f.ActorID]
	if !ok {
		q = newInboxQueue()
		d.queues[f.ActorID] = q
		d.wg.Add(1)
		go d.worker(q)
	}
	d.mu.Unlock()
	q.push(&delivery{follower: f, body: body})
}

// Stop cancels in-flight backoffs and waits for all workers to exit.
// Pending deliveries are abandoned.
func (d *Deliverer) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Deliverer) worker(q *inboxQueue) {
	defer d.wg.Done()
	for {
		item := q.pop()
		if item == nil {
			select {
			case <-d.ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		if !d.attempt(q, item) {
			return
		}
	}
}

// attempt runs the full retry cycle for one delivery. It returns false when
// the deliverer is shutting down; the delivery is requeued at the head with
// its attempt count preserved.
func (d *Deliverer) attempt(q *inboxQueue, item *delivery) bool {
	for item.attempts < MaxAttempts {
		retry, err := d.post(item)
		item.attempts++
		if err == nil {
			return true
		}
		if !retry {
			d.logger.Warn("delivery dropped",
				"inbox", item.follower.InboxURL,
				"attempts", item.attempts,
				"error", err)
			return true
		}
		if item.attempts >= MaxAttempts {
			break
		}
		wait := d.backoff[min(item.attempts-1, len(d.backoff)-1)]
		d.logger.Debug("delivery retry scheduled",
			"inbox", item.follower.InboxURL,
			"attempt", item.attempts,
			"wait", wait)
		select {
		case <-d.ctx.Done():
			q.pushFront(item)
			return false
		case <-time.After(wait):
		}
	}
	d.logger.Warn("delivery dropped after max attempts",
		"inbox", item.follower.InboxURL,
		"attempts", item.attempts)
	return true
}

// post performs one signed POST. The bool reports whether a failure is
// retryable: network errors, 5xx, and 429 are; other 4xx are permanent.
func (d *Deliverer) post(item *delivery) (retry bool, err error) {
	u, err := url.Parse(item.follower.InboxURL)
	if err != nil {
		return false, fmt.Errorf("federation: inbox url: %w", err)
	}

	hdrs, err := d.signer.Sign(http.MethodPost, u.RequestURI(), u.Host, item.body)
	if err != nil {
		return false, fmt.Errorf("federation: sign: %w", err)
	}

	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, item.follower.InboxURL, bytes.NewReader(item.body))
	if err != nil {
		return false, fmt.Errorf("federation: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	hdrs.Apply(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("federation: post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("federation: post: status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("federation: post: status %d", resp.StatusCode)
	}
}
