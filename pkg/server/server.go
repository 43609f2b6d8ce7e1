package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ehrenfest-quantum/quasi-board/pkg/audit"
	"github.com/ehrenfest-quantum/quasi-board/pkg/federation"
	"github.com/ehrenfest-quantum/quasi-board/pkg/httpsig"
	"github.com/ehrenfest-quantum/quasi-board/pkg/ledger"
	"github.com/ehrenfest-quantum/quasi-board/pkg/tasks"
)

// APContentType is the ActivityPub media type.
const APContentType = "application/activity+json"

// maxBodyBytes caps inbox and webhook request bodies.
const maxBodyBytes = 1 << 20

// Options collects the collaborators the server routes between.
type Options struct {
	// BoardURL is the external base URL (scheme + host), e.g.
	// https://gawain.valiant-quantum.com.
	BoardURL string
	// RepoURL is the upstream repository the actor summary links to.
	RepoURL string

	Ledger        *ledger.Ledger
	Followers     *federation.Followers
	Deliverer     *federation.Deliverer
	Tasks         *tasks.Cache
	Verifier      *httpsig.Verifier
	Keys          *httpsig.KeyCache
	PublicKeyPEM  string
	WebhookSecret []byte
	Audit         audit.Logger
}

// Server routes HTTP requests and orchestrates the ledger, the task cache,
// signature verification, and follower delivery.
type Server struct {
	boardURL  string
	actorURL  string
	domain    string
	repoURL   string
	led       *ledger.Ledger
	followers *federation.Followers
	deliverer *federation.Deliverer
	cache     *tasks.Cache
	projector *tasks.Projector
	verifier  *httpsig.Verifier
	keys      *httpsig.KeyCache
	publicPEM string
	secret    []byte
	auditor   audit.Logger
	logger    *slog.Logger
	clock     func() time.Time
}

// New creates a server from opts.
func New(opts Options) (*Server, error) {
	u, err := url.Parse(opts.BoardURL)
	if err != nil {
		return nil, err
	}
	actorURL := opts.BoardURL + "/quasi-board"

	s := &Server{
		boardURL:  opts.BoardURL,
		actorURL:  actorURL,
		domain:    u.Host,
		repoURL:   opts.RepoURL,
		led:       opts.Ledger,
		followers: opts.Followers,
		deliverer: opts.Deliverer,
		cache:     opts.Tasks,
		verifier:  opts.Verifier,
		keys:      opts.Keys,
		publicPEM: opts.PublicKeyPEM,
		secret:    opts.WebhookSecret,
		auditor:   opts.Audit,
		logger:    slog.Default().With("component", "server"),
		clock:     time.Now,
	}
	s.projector = tasks.NewProjector(actorURL, opts.Ledger.EffectiveStatus)
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	s.projector = s.projector.WithClock(clock)
	return s
}

// Routes builds the full handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/webfinger", withMethod(http.MethodGet, s.handleWebfinger))
	mux.HandleFunc("/quasi-board", withMethod(http.MethodGet, s.handleActor))
	mux.HandleFunc("/quasi-board/outbox", withMethod(http.MethodGet, s.handleOutbox))
	mux.HandleFunc("/quasi-board/followers", withMethod(http.MethodGet, s.handleFollowers))
	mux.HandleFunc("/quasi-board/ledger", withMethod(http.MethodGet, s.handleLedger))
	mux.HandleFunc("/quasi-board/ledger/verify", withMethod(http.MethodGet, s.handleVerify))
	mux.HandleFunc("/quasi-board/health", withMethod(http.MethodGet, s.handleHealth))
	mux.HandleFunc("/quasi-board/inbox", withMethod(http.MethodPost, s.handleInbox))
	mux.HandleFunc("/quasi-board/github-webhook", withMethod(http.MethodPost, s.handleWebhook))

	inboxLimiter := NewRateLimiter(5, 10)
	var handler http.Handler = mux
	handler = inboxLimiterFor(inboxLimiter, handler)
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware(handler)
	return handler
}

// withMethod restricts a handler to one HTTP method, mirroring the
// method-prefixed ServeMux patterns of Go 1.22 on older toolchains:
// other methods get 405 with an Allow header, and GET also serves HEAD.
func withMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && !(method == http.MethodGet && r.Method == http.MethodHead) {
			w.Header().Set("Allow", method)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// inboxLimiterFor rate-limits only the inbox; discovery endpoints stay
// unthrottled for crawlers and feed readers.
func inboxLimiterFor(rl *RateLimiter, next http.Handler) http.Handler {
	limited := rl.Middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/quasi-board/inbox" {
			limited.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebfinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if !strings.Contains(resource, "quasi-board") {
		WriteNotFound(w, "unknown resource")
		return
	}
	writeJSON(w, "application/jrd+json", map[string]any{
		"subject": "acct:quasi-board@" + s.domain,
		"links": []map[string]any{
			{"rel": "self", "type": APContentType, "href": s.actorURL},
		},
	})
}

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, APContentType, map[string]any{
		"@context":          []string{"https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"},
		"type":              "Service",
		"id":                s.actorURL,
		"name":              "quasi-board",
		"preferredUsername": "quasi-board",
		"summary":           "QUASI Quantum OS — federated task feed. " + s.repoURL,
		"url":               s.repoURL,
		"inbox":             s.actorURL + "/inbox",
		"outbox":            s.actorURL + "/outbox",
		"followers":         s.actorURL + "/followers",
		"publicKey": map[string]any{
			"id":           s.actorURL + "#main-key",
			"owner":        s.actorURL,
			"publicKeyPem": s.publicPEM,
		},
		"quasi:genesisSlots": ledger.GenesisSlots,
		"quasi:ledger":       s.actorURL + "/ledger",
	})
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	items := s.projector.ProjectAll(s.cache.Snapshot())
	writeJSON(w, APContentType, map[string]any{
		"@context":     tasks.ASContext,
		"type":         "OrderedCollection",
		"id":           s.actorURL + "/outbox",
		"totalItems":   len(items),
		"orderedItems": items,
	})
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	list := s.followers.List()
	ids := make([]string, 0, len(list))
	for _, f := range list {
		ids = append(ids, f.ActorID)
	}
	writeJSON(w, APContentType, map[string]any{
		"@context":     tasks.ASContext,
		"type":         "OrderedCollection",
		"id":           s.actorURL + "/followers",
		"totalItems":   len(ids),
		"orderedItems": ids,
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	offset, limit := 0, 0
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	result := s.led.Verify()
	writeJSON(w, "application/json", map[string]any{
		"quasi:ledger":         s.actorURL + "/ledger",
		"quasi:valid":          result.Valid,
		"quasi:entries":        s.led.Len(),
		"quasi:genesisSlots":   ledger.GenesisSlots,
		"quasi:slotsRemaining": s.led.SlotsRemaining(),
		"chain":                s.led.Entries(offset, limit),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, "application/json", s.led.Verify())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, "application/json", map[string]any{
		"status":         "ok",
		"domain":         s.domain,
		"ledger_entries": s.led.Len(),
	})
}

func writeJSON(w http.ResponseWriter, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
