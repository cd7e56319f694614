package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/taskvault/internal/app/tasks"
	"github.com/tutu-network/taskvault/internal/domain"
	"github.com/tutu-network/taskvault/internal/infra/metrics"
	"github.com/tutu-network/taskvault/internal/infra/sqlite"
)

// ─── Treasury ───────────────────────────────────────────────────────────────

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.treasury.Snapshot())
}

func (s *Server) handleReservations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.treasury.Reservations())
}

type amountRequest struct {
	Amount int64  `json:"amount"`
	To     string `json:"to,omitempty"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if err := s.treasury.Deposit(principalFrom(r.Context()), req.Amount); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.treasury.Snapshot())
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if err := s.treasury.EmergencyWithdraw(principalFrom(r.Context()), req.Amount, domain.Principal(req.To)); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.treasury.Snapshot())
}

type rulesRequest struct {
	MaxSpendPerTask int64  `json:"max_spend_per_task"`
	MaxSpendPerDay  int64  `json:"max_spend_per_day"`
	MinTaskValue    int64  `json:"min_task_value"`
	RuleCooldown    string `json:"rule_cooldown"`
}

func (s *Server) handleSetRules(w http.ResponseWriter, r *http.Request) {
	var req rulesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	rules := domain.TreasuryRules{
		MaxSpendPerTask: req.MaxSpendPerTask,
		MaxSpendPerDay:  req.MaxSpendPerDay,
		MinTaskValue:    req.MinTaskValue,
	}
	if req.RuleCooldown != "" {
		d, err := time.ParseDuration(req.RuleCooldown)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid rule_cooldown: "+err.Error())
			return
		}
		rules.RuleCooldown = d
	}
	if err := s.treasury.SetRules(principalFrom(r.Context()), rules); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.treasury.Rules())
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.TaskFilter{
		Worker:  domain.Principal(q.Get("worker")),
		Creator: domain.Principal(q.Get("creator")),
	}
	if st := q.Get("status"); st != "" {
		status, ok := domain.ParseTaskStatus(strings.ToUpper(st))
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", st))
			return
		}
		f.Status = status
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	list := s.tasks.List(f)
	if list == nil {
		list = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleOpenTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"open": s.tasks.OpenTasks(), "count": s.tasks.Count()})
}

type createTaskRequest struct {
	Category         domain.Category `json:"category"`
	MaxPayment       int64           `json:"max_payment"`
	Deadline         *time.Time      `json:"deadline,omitempty"`
	TTL              string          `json:"ttl,omitempty"`
	DescriptionRef   string          `json:"description_ref"`
	VerificationRule string          `json:"verification_rule"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	var deadline time.Time
	switch {
	case req.Deadline != nil:
		deadline = *req.Deadline
	case req.TTL != "":
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ttl: "+err.Error())
			return
		}
		deadline = s.now().Add(ttl)
	default:
		writeError(w, http.StatusBadRequest, "deadline or ttl is required")
		return
	}

	id, err := s.tasks.Create(principalFrom(r.Context()), tasks.CreateRequest{
		Category:         req.Category,
		MaxPayment:       req.MaxPayment,
		Deadline:         deadline,
		DescriptionRef:   req.DescriptionRef,
		VerificationRule: req.VerificationRule,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	task, _ := s.tasks.Get(id)
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.tasks.Get(id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type proposeRequest struct {
	Worker  domain.Principal `json:"worker"`
	Payment int64            `json:"payment"`
}

// handlePropose reports a treasury rejection as a normal outcome with
// accepted=false; everything else is an error.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	var req proposeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	err := s.tasks.ProposeAssignment(principalFrom(r.Context()), id, req.Worker, req.Payment)
	switch {
	case err == nil:
		task, _ := s.tasks.Get(id)
		writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "task": task})
	case errors.Is(err, domain.ErrProposalRejected):
		reason := causeReason(err)
		metrics.ProposalsRejected.WithLabelValues(reason).Inc()
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false, "reason": reason, "message": err.Error()})
	default:
		writeDomainError(w, r, err)
	}
}

type submitRequest struct {
	ResultRef string `json:"result_ref"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	var req submitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	s.transition(w, r, id, func(caller domain.Principal) error {
		return s.tasks.SubmitResult(caller, id, req.ResultRef)
	})
}

type verifyRequest struct {
	Success bool `json:"success"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	s.transition(w, r, id, func(caller domain.Principal) error {
		return s.tasks.VerifyAndComplete(caller, id, req.Success)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	s.transition(w, r, id, func(caller domain.Principal) error {
		return s.tasks.Cancel(caller, id)
	})
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	s.transition(w, r, id, func(caller domain.Principal) error {
		return s.tasks.HandleExpired(caller, id)
	})
}

// transition runs op as the request principal and returns the task.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, id uint64, op func(domain.Principal) error) {
	if err := op(principalFrom(r.Context())); err != nil {
		writeDomainError(w, r, err)
		return
	}
	task, _ := s.tasks.Get(id)
	writeJSON(w, http.StatusOK, task)
}

// ─── Workers ────────────────────────────────────────────────────────────────

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var list []domain.Worker
	switch {
	case q.Get("category") != "":
		c := domain.Category(q.Get("category"))
		if !c.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown category %q", c))
			return
		}
		list = s.workers.WorkersForCategory(c)
	case q.Get("active") == "true":
		list = s.workers.ActiveWorkers()
	default:
		list = s.workers.List()
	}
	if list == nil {
		list = []domain.Worker{}
	}
	writeJSON(w, http.StatusOK, list)
}

type categoriesRequest struct {
	Categories []domain.Category `json:"categories"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req categoriesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	caller := principalFrom(r.Context())
	if err := s.workers.Register(caller, req.Categories); err != nil {
		writeDomainError(w, r, err)
		return
	}
	wk, _ := s.workers.Get(caller)
	writeJSON(w, http.StatusCreated, wk)
}

func (s *Server) handleSetCategories(w http.ResponseWriter, r *http.Request) {
	var req categoriesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	caller := principalFrom(r.Context())
	if err := s.workers.SetCategories(caller, req.Categories); err != nil {
		writeDomainError(w, r, err)
		return
	}
	wk, _ := s.workers.Get(caller)
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	wk, err := s.workers.Get(domain.Principal(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.workerOp(w, r, func(caller, worker domain.Principal) error {
		return s.workers.Deactivate(caller, worker)
	})
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	s.workerOp(w, r, func(caller, worker domain.Principal) error {
		return s.workers.Reactivate(caller, worker)
	})
}

type penalizeRequest struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) handlePenalize(w http.ResponseWriter, r *http.Request) {
	var req penalizeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	s.workerOp(w, r, func(caller, worker domain.Principal) error {
		return s.workers.Penalize(caller, worker, req.Amount, req.Reason)
	})
}

func (s *Server) workerOp(w http.ResponseWriter, r *http.Request, op func(caller, worker domain.Principal) error) {
	worker := domain.Principal(chi.URLParam(r, "id"))
	if err := op(principalFrom(r.Context()), worker); err != nil {
		writeDomainError(w, r, err)
		return
	}
	wk, _ := s.workers.Get(worker)
	writeJSON(w, http.StatusOK, wk)
}

// ─── Audit ──────────────────────────────────────────────────────────────────

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit journal not enabled")
		return
	}
	q := r.URL.Query()
	f := sqlite.EventFilter{
		Kind:  domain.EventKind(q.Get("kind")),
		Actor: domain.Principal(q.Get("actor")),
		Limit: 100,
	}
	var err error
	if v := q.Get("task"); v != "" {
		if f.TaskID, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid task")
			return
		}
	}
	if v := q.Get("after"); v != "" {
		if f.AfterSeq, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	events, err := s.audit.Events(r.Context(), f)
	if err != nil {
		s.log.Error().Err(err).Msg("read journal")
		writeError(w, http.StatusInternalServerError, "read journal failed")
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit journal not enabled")
		return
	}
	rep, err := s.audit.VerifyJournal(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sqlite.ErrJournalTampered) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"valid": false, "report": rep, "error": err.Error()})
		return
	}
	out := map[string]any{"valid": true, "report": rep}
	if s.signer != nil {
		out["attestation"] = s.signer.Attest(rep.HeadSeq, rep.Head, s.now())
	}
	writeJSON(w, http.StatusOK, out)
}
