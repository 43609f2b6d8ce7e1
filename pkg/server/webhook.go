package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/ehrenfest-quantum/quasi-board/pkg/audit"
)

// taskRefPattern recovers a task id from free-form PR text when the
// structured footer is missing.
var taskRefPattern = regexp.MustCompile(`QUASI-\d+`)

// webhookPayload is the subset of the pull_request event the completion
// pipeline reads.
type webhookPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Merged         bool   `json:"merged"`
		Body           string `json:"body"`
		Title          string `json:"title"`
		URL            string `json:"html_url"`
		MergeCommitSHA string `json:"merge_commit_sha"`
		User           struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}

	if !s.verifyWebhookSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		WriteUnauthorized(w, "invalid webhook signature")
		return
	}

	if event := r.Header.Get("X-GitHub-Event"); event != "pull_request" {
		writeJSON(w, "application/json", map[string]any{"status": "ignored", "event": event})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		WriteBadRequest(w, "malformed payload")
		return
	}

	pr := payload.PullRequest
	if payload.Action != "closed" || !pr.Merged {
		writeJSON(w, "application/json", map[string]any{"status": "ignored", "reason": "not a merge"})
		return
	}

	meta := parseFooter(pr.Body)
	agent := meta["Contribution-Agent"]
	if agent == "" {
		agent = pr.User.Login
	}
	taskID := meta["Task"]
	if taskID == "" {
		taskID = taskRefPattern.FindString(pr.Title + " " + pr.Body)
	}
	if taskID == "" {
		// Unrelated PR: acknowledge without recording so repository
		// housekeeping merges do not surface as errors.
		writeJSON(w, "application/json", map[string]any{"status": "ignored", "reason": "no task reference"})
		return
	}

	entry, err := s.led.AppendCompletion(agent, taskID, pr.MergeCommitSHA, pr.URL, s.clock())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	_ = s.auditor.Record(r.Context(), audit.EventMutation, agent, "webhook-completion", taskID,
		map[string]any{"ledger_entry": entry.ID, "commit_hash": pr.MergeCommitSHA, "github_user": pr.User.Login})
	s.publish("Create", entry)

	writeJSONStatus(w, http.StatusAccepted, map[string]any{
		"status":       "recorded",
		"ledger_entry": entry.ID,
		"entry_hash":   entry.EntryHash,
		"task":         taskID,
		"agent":        agent,
	})
}

// verifyWebhookSignature checks the X-Hub-Signature-256 header against the
// configured HMAC secret in constant time.
func (s *Server) verifyWebhookSignature(body []byte, header string) bool {
	if len(s.secret) == 0 || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// parseFooter extracts the structured trailer lines from a PR body.
func parseFooter(text string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		for _, key := range []string{"Contribution-Agent", "Task", "Verification"} {
			if strings.HasPrefix(line, key+":") {
				result[key] = strings.TrimSpace(strings.TrimPrefix(line, key+":"))
			}
		}
	}
	return result
}
