package tasks

import (
	"fmt"
	"time"

	"github.com/ehrenfest-quantum/quasi-board/pkg/ledger"
)

// ASContext is the ActivityStreams JSON-LD context.
const ASContext = "https://www.w3.org/ns/activitystreams"

// StatusFunc resolves the effective ledger status of a task at render time.
type StatusFunc func(taskID string) ledger.Status

// Note is the ActivityPub projection of one task. Field order is
// irrelevant on the wire: canonical serialization sorts keys.
type Note struct {
	Context      string            `json:"@context"`
	Type         string            `json:"type"`
	ID           string            `json:"id"`
	AttributedTo string            `json:"attributedTo"`
	Name         string            `json:"name"`
	URL          string            `json:"url"`
	Content      string            `json:"content"`
	Published    ledger.Timestamp  `json:"published"`
	TaskID       string            `json:"quasi:taskId"`
	Status       string            `json:"quasi:status"`
	ClaimedBy    string            `json:"quasi:claimedBy,omitempty"`
	ExpiresAt    *ledger.Timestamp `json:"quasi:expiresAt,omitempty"`
	ClaimURL     string            `json:"quasi:claimUrl"`
	LedgerURL    string            `json:"quasi:ledgerUrl"`
}

// Projector renders tasks as Notes enriched with claim state.
type Projector struct {
	actorURL string
	status   StatusFunc
	clock    func() time.Time
}

// NewProjector creates a projector. actorURL is the absolute actor id
// (e.g. https://host/quasi-board); status is consulted per task at render
// time.
func NewProjector(actorURL string, status StatusFunc) *Projector {
	return &Projector{actorURL: actorURL, status: status, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (p *Projector) WithClock(clock func() time.Time) *Projector {
	p.clock = clock
	return p
}

// Project renders one task. Claimed-by and expiry appear iff the task is
// currently claimed.
func (p *Projector) Project(t Task) Note {
	note := Note{
		Context:      ASContext,
		Type:         "Note",
		ID:           fmt.Sprintf("%s/tasks/%d", p.actorURL, t.Number),
		AttributedTo: p.actorURL,
		Name:         t.Title,
		URL:          t.URL,
		Content:      t.Body,
		Published:    ledger.NewTimestamp(p.clock()),
		TaskID:       t.ID,
		ClaimURL:     p.actorURL + "/inbox",
		LedgerURL:    p.actorURL + "/ledger",
	}

	status := p.status(t.ID)
	note.Status = string(status.Kind)
	if status.Kind == ledger.StatusClaimed {
		note.ClaimedBy = status.ClaimedBy
		exp := ledger.NewTimestamp(status.ExpiresAt)
		note.ExpiresAt = &exp
	}
	return note
}

// ProjectAll renders every task in order.
func (p *Projector) ProjectAll(list []Task) []Note {
	notes := make([]Note, 0, len(list))
	for _, t := range list {
		notes = append(notes, p.Project(t))
	}
	return notes
}
