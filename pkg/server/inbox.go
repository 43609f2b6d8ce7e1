package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ehrenfest-quantum/quasi-board/pkg/audit"
	"github.com/ehrenfest-quantum/quasi-board/pkg/federation"
	"github.com/ehrenfest-quantum/quasi-board/pkg/ledger"
	"github.com/ehrenfest-quantum/quasi-board/pkg/tasks"
)

// activity is the subset of an inbound activity the dispatcher needs.
type activity struct {
	Type       string          `json:"type"`
	Actor      string          `json:"actor"`
	Object     json.RawMessage `json:"object,omitempty"`
	Published  string          `json:"published,omitempty"`
	TaskID     string          `json:"quasi:taskId,omitempty"`
	QuasiType  string          `json:"quasi:type,omitempty"`
	CommitHash string          `json:"quasi:commitHash,omitempty"`
	PRURL      string          `json:"quasi:prUrl,omitempty"`
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}

	if r.Header.Get("Signature") != "" {
		if err := s.verifier.Verify(r, body); err != nil {
			s.logger.Warn("inbox signature rejected", "error", err)
			WriteUnauthorized(w, "signature verification failed")
			return
		}
	} else if !isLoopback(r.RemoteAddr) {
		WriteUnauthorized(w, "unsigned activities are accepted from loopback only")
		return
	}

	if err := validateActivity(body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	var act activity
	if err := json.Unmarshal(body, &act); err != nil {
		WriteBadRequest(w, "malformed activity")
		return
	}

	switch {
	case act.Type == "Announce":
		s.inboxClaim(w, r, act)
	case act.Type == "Create" && act.QuasiType == "completion":
		s.inboxCompletion(w, r, act)
	case act.Type == "Follow":
		s.inboxFollow(w, r, act)
	case act.Type == "Undo":
		s.inboxUndo(w, r, act)
	default:
		writeJSONStatus(w, http.StatusAccepted, map[string]any{"status": "accepted"})
	}
}

func (s *Server) inboxClaim(w http.ResponseWriter, r *http.Request, act activity) {
	taskID := act.TaskID
	if taskID == "" {
		// Plain ActivityPub clients announce the object id instead.
		_ = json.Unmarshal(act.Object, &taskID)
	}
	if taskID == "" {
		WriteBadRequest(w, "Announce without quasi:taskId")
		return
	}

	entry, err := s.led.AppendClaim(act.Actor, taskID, s.activityTime(act))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	_ = s.auditor.Record(r.Context(), audit.EventMutation, act.Actor, "claim", taskID,
		map[string]any{"ledger_entry": entry.ID})
	s.publish("Announce", entry)

	writeJSON(w, "application/json", map[string]any{
		"status":       "claimed",
		"ledger_entry": entry.ID,
		"entry_hash":   entry.EntryHash,
	})
}

func (s *Server) inboxCompletion(w http.ResponseWriter, r *http.Request, act activity) {
	if act.TaskID == "" {
		WriteBadRequest(w, "completion without quasi:taskId")
		return
	}

	entry, err := s.led.AppendCompletion(act.Actor, act.TaskID, act.CommitHash, act.PRURL, s.activityTime(act))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	_ = s.auditor.Record(r.Context(), audit.EventMutation, act.Actor, "completion", act.TaskID,
		map[string]any{"ledger_entry": entry.ID, "commit_hash": act.CommitHash})
	s.publish("Create", entry)

	writeJSON(w, "application/json", map[string]any{
		"status":       "recorded",
		"ledger_entry": entry.ID,
		"entry_hash":   entry.EntryHash,
	})
}

func (s *Server) inboxFollow(w http.ResponseWriter, r *http.Request, act activity) {
	if act.Actor == "" {
		WriteBadRequest(w, "Follow without actor")
		return
	}

	remote, err := s.keys.ResolveActor(r.Context(), act.Actor)
	if err != nil {
		s.logger.Warn("follow actor resolution failed", "actor", act.Actor, "error", err)
		WriteBadRequest(w, "actor not resolvable")
		return
	}

	follower := federation.Follower{
		ActorID:      remote.ID,
		InboxURL:     remote.Inbox,
		PublicKeyPEM: remote.PublicKeyPEM,
		AddedAt:      s.clock().UTC(),
	}
	if err := s.followers.Add(follower); err != nil {
		WriteInternal(w, err)
		return
	}

	_ = s.auditor.Record(r.Context(), audit.EventAccess, act.Actor, "follow", s.actorURL, nil)

	accept := map[string]any{
		"@context": tasks.ASContext,
		"type":     "Accept",
		"actor":    s.actorURL,
		"object":   json.RawMessage(mustMarshalRaw(act)),
	}
	if err := s.deliverer.Deliver(follower, accept); err != nil {
		s.logger.Warn("accept delivery enqueue failed", "actor", act.Actor, "error", err)
	}

	writeJSON(w, "application/json", map[string]any{
		"status": "following",
		"outbox": s.actorURL + "/outbox",
	})
}

func (s *Server) inboxUndo(w http.ResponseWriter, r *http.Request, act activity) {
	var inner activity
	_ = json.Unmarshal(act.Object, &inner)
	if inner.Type != "Follow" {
		writeJSONStatus(w, http.StatusAccepted, map[string]any{"status": "accepted"})
		return
	}

	if err := s.followers.Remove(act.Actor); err != nil {
		WriteInternal(w, err)
		return
	}
	_ = s.auditor.Record(r.Context(), audit.EventAccess, act.Actor, "undo-follow", s.actorURL, nil)
	writeJSON(w, "application/json", map[string]any{"status": "unfollowed"})
}

// publish fans the accepted entry out to every follower as a public
// activity. Enqueue only; delivery retries happen in the background.
func (s *Server) publish(activityType string, entry ledger.Entry) {
	note := map[string]any{
		"@context":  tasks.ASContext,
		"type":      activityType,
		"actor":     s.actorURL,
		"to":        []string{"https://www.w3.org/ns/activitystreams#Public"},
		"published": ledger.NewTimestamp(s.clock()),
		"object": map[string]any{
			"type":           "Note",
			"attributedTo":   entry.Agent,
			"quasi:taskId":   entry.Task,
			"quasi:type":     string(entry.Type),
			"quasi:ledgerId": entry.ID,
			"quasi:ledger":   s.actorURL + "/ledger",
		},
	}
	if err := s.deliverer.Broadcast(s.followers.List(), note); err != nil {
		s.logger.Warn("publish enqueue failed", "entry", entry.ID, "error", err)
	}
}

// activityTime resolves the timestamp claims are evaluated against: the
// activity's published time when present and parseable, otherwise now.
func (s *Server) activityTime(act activity) time.Time {
	if act.Published != "" {
		if ts, err := time.Parse(time.RFC3339Nano, act.Published); err == nil {
			return ts
		}
	}
	return s.clock()
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrConflict):
		WriteConflict(w, "task has an active claim by another agent")
	case errors.Is(err, ledger.ErrAlreadyDone):
		WriteGone(w, "task already completed")
	default:
		// StorageError and anything unexpected.
		WriteInternal(w, err)
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func mustMarshalRaw(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
