package app

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
	"github.com/eltris/escrowd/internal/platform/errors/i18n"
	"github.com/eltris/escrowd/internal/services/escrow/controller"
	"github.com/eltris/escrowd/internal/services/escrow/domain"
)

// API serves the controller's operations as JSON over HTTP. Every mutating
// route requires an operation grant in the Authorization header; reads are
// open, matching the public nature of the event log.
type API struct {
	ctrl *controller.Controller
}

// NewAPI wraps a controller with the HTTP surface.
func NewAPI(ctrl *controller.Controller) *API {
	return &API{ctrl: ctrl}
}

// Handler builds the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", a.handleCreateTask)
	mux.HandleFunc("GET /tasks/{id}", a.handleGetTask)
	mux.HandleFunc("GET /tasks/{id}/events", a.handleTaskEvents)
	mux.HandleFunc("POST /tasks/{id}/funding", a.handleRequestFunding)
	mux.HandleFunc("POST /tasks/{id}/claim", a.handleClaim)
	mux.HandleFunc("POST /tasks/{id}/proof", a.handleSubmitProof)
	mux.HandleFunc("POST /tasks/{id}/verify", a.handleVerify)
	mux.HandleFunc("POST /tasks/{id}/cancel", a.handleCancel)
	mux.HandleFunc("POST /tasks/{id}/dispute", a.handleOpenDispute)
	mux.HandleFunc("POST /disputes/{id}/rulings", a.handleRuleDispute)
	return mux
}

func grantFrom(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

type createTaskBody struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Reward      int64      `json:"reward"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body createTaskBody
	if !decodeBody(w, r, &body) {
		return
	}
	task, err := a.ctrl.CreateTask(r.Context(), grantFrom(r), body.Title, body.Description, body.Reward, body.Deadline)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskReply(task))
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.ctrl.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskReply(task))
}

func (a *API) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.ctrl.ListTaskEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	replies := make([]map[string]any, 0, len(events))
	for _, e := range events {
		reply := map[string]any{
			"task_id":    e.TaskID,
			"seq":        e.Seq,
			"type":       e.Type,
			"actor_type": e.ActorType,
			"actor_id":   e.ActorID,
			"created_at": e.CreatedAt,
		}
		if e.PayloadJSON != "" {
			reply["payload"] = json.RawMessage(e.PayloadJSON)
		}
		if e.ExternalEventID != "" {
			reply["external_event_id"] = e.ExternalEventID
		}
		replies = append(replies, reply)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": replies})
}

type requestFundingBody struct {
	Rail string `json:"rail"`
}

func (a *API) handleRequestFunding(w http.ResponseWriter, r *http.Request) {
	var body requestFundingBody
	if !decodeBody(w, r, &body) {
		return
	}
	instrument, err := a.ctrl.RequestFunding(r.Context(), grantFrom(r), r.PathValue("id"), domain.RailKind(body.Rail))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"funding_id":      instrument.Record.ID,
		"rail":            instrument.Record.Rail,
		"commitment":      instrument.Record.Commitment,
		"payment_request": instrument.PaymentRequest,
		"expires_at":      instrument.Record.ExpiresAt,
	})
}

type claimBody struct {
	PayeeRef string `json:"payee_ref"`
}

func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body claimBody
	if !decodeBody(w, r, &body) {
		return
	}
	task, err := a.ctrl.Claim(r.Context(), grantFrom(r), r.PathValue("id"), body.PayeeRef)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskReply(task))
}

type proofBody struct {
	URL         string `json:"url"`
	Hash        string `json:"hash"`
	ExternalRef string `json:"external_ref"`
}

func (a *API) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	var body proofBody
	if !decodeBody(w, r, &body) {
		return
	}
	task, err := a.ctrl.SubmitProof(r.Context(), grantFrom(r), r.PathValue("id"), body.URL, body.Hash, body.ExternalRef)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskReply(task))
}

type verifyBody struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if !decodeBody(w, r, &body) {
		return
	}
	task, err := a.ctrl.Verify(r.Context(), grantFrom(r), r.PathValue("id"), body.Approved, body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskReply(task))
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if !decodeBody(w, r, &body) {
		return
	}
	task, err := a.ctrl.Cancel(r.Context(), grantFrom(r), r.PathValue("id"), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskReply(task))
}

type disputeBody struct {
	Reason string `json:"reason"`
}

func (a *API) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var body disputeBody
	if !decodeBody(w, r, &body) {
		return
	}
	d, err := a.ctrl.OpenDispute(r.Context(), grantFrom(r), r.PathValue("id"), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"dispute_id":  d.ID,
		"task_id":     d.TaskID,
		"opener":      d.Opener,
		"respondent":  d.Respondent,
		"panel_size":  len(d.Panel),
		"respond_by":  d.RespondBy,
		"evidence_by": d.EvidenceBy,
	})
}

type rulingBody struct {
	Outcome   string `json:"outcome"`
	Rationale string `json:"rationale"`
}

func (a *API) handleRuleDispute(w http.ResponseWriter, r *http.Request) {
	var body rulingBody
	if !decodeBody(w, r, &body) {
		return
	}
	outcome, err := a.ctrl.RuleDispute(r.Context(), grantFrom(r), r.PathValue("id"), domain.DisputeOutcome(body.Outcome), body.Rationale)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

func taskReply(task domain.Task) map[string]any {
	reply := map[string]any{
		"task_id":     task.ID,
		"state":       task.State,
		"title":       task.Title,
		"description": task.Description,
		"reward":      task.RewardAmount,
		"employer":    task.Employer,
		"created_at":  task.CreatedAt,
	}
	if task.Worker != "" {
		reply["worker"] = task.Worker
	}
	if task.Deadline != nil {
		reply["deadline"] = task.Deadline
	}
	if task.Proof != nil {
		reply["proof"] = map[string]any{
			"url":  task.Proof.URL,
			"hash": task.Proof.Hash,
		}
	}
	return reply
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("event=api_encode_failed error=%v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.CodeAuthenticationFailure:
		status = http.StatusUnauthorized
	case apperrors.CodeNotFound:
		status = http.StatusNotFound
	case apperrors.CodeAlreadyProcessing, apperrors.CodeFundingActiveExists,
		apperrors.CodeDisputeAlreadyResolved:
		status = http.StatusConflict
	case apperrors.CodeInvalidStateTransition, apperrors.CodeTaskTitleEmpty,
		apperrors.CodeTaskRewardInvalid, apperrors.CodeTaskRewardExceedsMax,
		apperrors.CodeTaskEmployerEmpty, apperrors.CodeTaskProofInvalid,
		apperrors.CodeAmountMismatch:
		status = http.StatusUnprocessableEntity
	case apperrors.CodeTaskNotEmployer, apperrors.CodeTaskNotWorker,
		apperrors.CodeDisputeArbitratorUnknown:
		status = http.StatusForbidden
	case apperrors.CodeFundingInstrumentUnknown:
		status = http.StatusUnprocessableEntity
	case apperrors.CodeRailUnavailable:
		status = http.StatusBadGateway
	}
	// The catalog renders the user-facing text; appErr.Message stays in
	// logs only.
	code := apperrors.CodeOf(err)
	var metadata map[string]string
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		metadata = appErr.Metadata
	}
	catalog := i18n.GetCatalog(localeFrom(r))
	writeJSON(w, status, map[string]any{
		"error": catalog.Format(string(code), metadata),
		"code":  code,
	})
}

// localeFrom picks the first language the client listed. The catalog matcher
// resolves it against the supported locales, so q-weights are not needed.
func localeFrom(r *http.Request) string {
	header := r.Header.Get("Accept-Language")
	if header == "" {
		return ""
	}
	first := strings.Split(header, ",")[0]
	return strings.TrimSpace(strings.Split(first, ";")[0])
}
