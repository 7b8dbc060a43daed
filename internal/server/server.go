// Package server exposes the saga surface over HTTP: run a governance
// action, inspect its task state, reset it for reuse.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hypha-dao/hypha-web-sub000/internal/ledger"
	"github.com/hypha-dao/hypha-web-sub000/internal/metrics"
	"github.com/hypha-dao/hypha-web-sub000/internal/offchain"
	"github.com/hypha-dao/hypha-web-sub000/internal/saga"
	"github.com/hypha-dao/hypha-web-sub000/internal/tasks"
	"github.com/hypha-dao/hypha-web-sub000/internal/upload"
	"github.com/hypha-dao/hypha-web-sub000/internal/watcher"
	commonerrors "github.com/hypha-dao/hypha-web-sub000/pkg/errors"
	"github.com/hypha-dao/hypha-web-sub000/pkg/logger"
	"github.com/hypha-dao/hypha-web-sub000/pkg/snowflake"
)

// Deps wires the server.
type Deps struct {
	Definitions map[string]saga.Definition
	OffChain    offchain.Gateway
	Ledger      ledger.Gateway
	Waiter      *ledger.Waiter
	Uploads     upload.Gateway
	Retries     offchain.LinkRetryQueue
	Watcher     *watcher.Watcher
	Metrics     *metrics.Metrics
	Log         *logger.Logger
	IDGen       *snowflake.Generator

	TokenFactoryAddr  string
	TokenWatchTimeout time.Duration
}

// Server holds in-flight and finished saga runs.
type Server struct {
	deps Deps
	log  *logger.Logger

	mu   sync.Mutex
	runs map[int64]*runEntry
}

// outcome and proposalID are written by the running saga and read by
// concurrent GET/reset handlers; both are guarded by Server.mu.
type runEntry struct {
	id          int64
	kind        string
	coordinator *saga.Coordinator
	outcome     *saga.Outcome
	proposalID  uint64
}

// New creates the server.
func New(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		deps: deps,
		log:  log,
		runs: make(map[int64]*runEntry),
	}
}

// Register mounts the saga routes on the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sagas/", s.handleSagas)
}

func (s *Server) handleSagas(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sagas/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodPost:
		s.handleRun(w, r, parts[0])
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGet(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "reset" && r.Method == http.MethodPost:
		s.handleReset(w, r, parts[0])
	default:
		writeError(w, commonerrors.New(commonerrors.CodeNotFound, "no such route"))
	}
}

type runResponse struct {
	RunID    int64         `json:"runId"`
	Kind     string        `json:"kind"`
	Tasks    []tasks.Task  `json:"tasks"`
	Progress int           `json:"progress"`
	Outcome  *saga.Outcome `json:"outcome,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, kind string) {
	def, ok := s.deps.Definitions[kind]
	if !ok {
		writeError(w, commonerrors.Newf(commonerrors.CodeNotFound, "unknown saga kind %q", kind))
		return
	}

	var in saga.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, commonerrors.Wrap(commonerrors.CodeInvalidParam, "malformed saga input", err))
		return
	}
	if in.Slug == "" && in.Title != "" {
		in.Slug = saga.NewSlug(in.Title)
	}

	entry := &runEntry{
		id:   s.deps.IDGen.MustGenerate(),
		kind: kind,
	}
	entry.coordinator = s.newCoordinator(def, entry)
	s.mu.Lock()
	s.runs[entry.id] = entry
	s.mu.Unlock()

	outcome, err := entry.coordinator.Run(r.Context(), in)
	s.mu.Lock()
	entry.outcome = outcome
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).WithField("kind", kind).Warn("saga run failed")
	}
	writeJSON(w, statusFor(outcome, err), s.runResponse(entry))
}

// newCoordinator wires the per-definition hooks: proposal tracking for
// the reconciliation watcher and the short-lived token-deploy watch.
func (s *Server) newCoordinator(def saga.Definition, entry *runEntry) *saga.Coordinator {
	c := saga.NewCoordinator(def, s.deps.OffChain, s.deps.Ledger, s.deps.Waiter,
		s.deps.Uploads, s.deps.Retries, s.deps.Metrics, s.log)

	c.OnConfirmed = func(ctx context.Context, in saga.Input, rc *saga.RunContext) {
		if s.deps.Watcher == nil || rc.Event == nil {
			return
		}
		created, ok := rc.Event.Payload.(*ledger.ProposalCreated)
		if !ok {
			return
		}
		s.deps.Watcher.Track(created.ProposalID)
		s.mu.Lock()
		entry.proposalID = created.ProposalID
		s.mu.Unlock()

		if def.Kind == saga.KindIssueToken {
			_, err := watcher.WatchTokenDeployment(context.WithoutCancel(ctx), s.deps.Ledger,
				s.deps.TokenFactoryAddr, rc.TxHash, s.deps.TokenWatchTimeout, s.log, func(deployed ledger.TokenDeployed) {
					s.log.Infof("token deployed", map[string]interface{}{
						"token":  deployed.Token,
						"symbol": deployed.Symbol,
					})
				})
			if err != nil {
				s.log.WithError(err).Warn("token watch spawn failed")
			}
		}
	}
	return c
}

func (s *Server) entry(idRaw string) (*runEntry, error) {
	id, err := strconv.ParseInt(idRaw, 10, 64)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "bad run id %q", idRaw)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.runs[id]
	if !ok {
		return nil, commonerrors.Newf(commonerrors.CodeNotFound, "run %d not found", id)
	}
	return entry, nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, idRaw string) {
	entry, err := s.entry(idRaw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.runResponse(entry))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, idRaw string) {
	entry, err := s.entry(idRaw)
	if err != nil {
		writeError(w, err)
		return
	}
	entry.coordinator.Reset()
	s.mu.Lock()
	entry.outcome = nil
	proposalID := entry.proposalID
	entry.proposalID = 0
	s.mu.Unlock()
	if proposalID != 0 && s.deps.Watcher != nil {
		s.deps.Watcher.Untrack(proposalID)
	}
	writeJSON(w, http.StatusOK, s.runResponse(entry))
}

func (s *Server) runResponse(entry *runEntry) runResponse {
	state := entry.coordinator.Tasks().Snapshot()
	s.mu.Lock()
	outcome := entry.outcome
	s.mu.Unlock()
	return runResponse{
		RunID:    entry.id,
		Kind:     entry.kind,
		Tasks:    state.Tasks(),
		Progress: state.Progress(),
		Outcome:  outcome,
	}
}

// statusFor distinguishes a partial success after a confirmed ledger
// effect from a compensated pre-ledger failure.
func statusFor(outcome *saga.Outcome, err error) int {
	if err == nil && (outcome == nil || len(outcome.Errors) == 0) {
		return http.StatusOK
	}
	if outcome != nil && outcome.Partial {
		return http.StatusMultiStatus
	}
	var coded *commonerrors.Error
	if errors.As(err, &coded) {
		return coded.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var coded *commonerrors.Error
	if !errors.As(err, &coded) {
		coded = commonerrors.Wrap(commonerrors.CodeInternal, err.Error(), err)
	}
	writeJSON(w, coded.HTTPStatus(), map[string]interface{}{
		"code":    coded.Code,
		"message": coded.Message,
	})
}
