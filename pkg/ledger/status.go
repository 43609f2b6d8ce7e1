package ledger

import "time"

// StatusKind is the derived state of a task.
type StatusKind string

const (
	StatusOpen    StatusKind = "open"
	StatusClaimed StatusKind = "claimed"
	StatusDone    StatusKind = "done"
)

// Status is the effective state of a task, derived from the chain; it is
// never stored.
type Status struct {
	Kind      StatusKind
	ClaimedBy string
	ExpiresAt time.Time

	entry *Entry // the claim entry backing a claimed status
}

// EffectiveStatus derives the current state of task: scan newest to oldest
// until the first entry mentioning the task — a completion means done, a
// claim younger than ClaimTTL means claimed, anything else means open.
// Expiry is lazy: expired claims stay on the chain and are simply ignored.
func (l *Ledger) EffectiveStatus(task string) Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.statusLocked(task, l.clock())
}

// statusLocked evaluates claim expiry against asOf, which is the incoming
// activity's timestamp during appends and the wall clock for queries.
func (l *Ledger) statusLocked(task string, asOf time.Time) Status {
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Task != task {
			continue
		}
		switch e.Type {
		case TypeCompletion:
			return Status{Kind: StatusDone}
		case TypeClaim:
			expires := e.Timestamp.Add(ClaimTTL)
			if asOf.Before(expires) {
				return Status{
					Kind:      StatusClaimed,
					ClaimedBy: e.Agent,
					ExpiresAt: expires,
					entry:     &l.entries[i],
				}
			}
			return Status{Kind: StatusOpen}
		}
	}
	return Status{Kind: StatusOpen}
}
