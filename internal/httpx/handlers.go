package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/apotekly/rx-verify/internal/assign"
	"github.com/apotekly/rx-verify/internal/pipeline"
	"github.com/apotekly/rx-verify/internal/redisx"
	"github.com/apotekly/rx-verify/internal/rx"
)

type Handler struct {
	Store    rx.Store
	Engine   *assign.Engine
	Pipeline *pipeline.Pipeline
	Redis    *redis.Client
}

func (h *Handler) Register(r *chi.Mux) {
	r.Post("/prescriptions", h.createPrescription)
	r.Get("/prescriptions/{id}", h.getPrescription)
	r.Get("/prescriptions/{id}/status", h.getStatus)
	r.Get("/prescriptions/{id}/activity", h.listActivity)
	r.Post("/prescriptions/{id}/assign", h.assignPrescription)
	r.Post("/prescriptions/{id}/reassign", h.reassignPrescription)
	r.Post("/prescriptions/{id}/decision", h.decide)
	r.Post("/prescriptions/{id}/resubmit", h.resubmit)
	r.Post("/prescriptions/{id}/order", h.createOrder)
	r.Post("/assignments/bulk", h.bulkAssign)
	r.Get("/reviewers/{id}/workload", h.reviewerWorkload)
	r.Put("/reviewers/{id}/availability", h.setAvailability)
	r.Post("/invoices/{id}/payments", h.recordPayment)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to the result envelope and a status code.
// Capacity failures carry the offending snapshot so the caller sees
// current/max without another round trip.
func writeError(w http.ResponseWriter, err error) {
	var capErr *rx.CapacityError
	var trErr *rx.TransitionError

	switch {
	case errors.As(err, &capErr):
		writeJSON(w, http.StatusConflict, rx.Result{
			Success: false,
			Message: capErr.Error(),
			Data:    capErr.Snapshot,
			Errors:  map[string]string{"reviewer_id": "capacity exceeded"},
		})
	case errors.As(err, &trErr):
		writeJSON(w, http.StatusConflict, rx.Fail(trErr.Error(), map[string]string{"status": "transition not allowed"}))
	case errors.Is(err, rx.ErrNotFound):
		writeJSON(w, http.StatusNotFound, rx.Fail("not found", nil))
	case errors.Is(err, rx.ErrAlreadyAssigned):
		writeJSON(w, http.StatusConflict, rx.Fail(err.Error(), map[string]string{"prescription_id": "not pending"}))
	case errors.Is(err, rx.ErrVerifierUnavailable):
		writeJSON(w, http.StatusConflict, rx.Fail(err.Error(), map[string]string{"reviewer_id": "unavailable"}))
	case errors.Is(err, rx.ErrNoAvailableVerifiers):
		writeJSON(w, http.StatusConflict, rx.Fail(err.Error(), nil))
	case errors.Is(err, rx.ErrNotAssignee):
		writeJSON(w, http.StatusForbidden, rx.Fail(err.Error(), map[string]string{"reviewer_id": "does not hold assignment"}))
	case errors.Is(err, rx.ErrPrescriptionNotApproved), errors.Is(err, rx.ErrAddressMissing):
		writeJSON(w, http.StatusUnprocessableEntity, rx.Fail(err.Error(), nil))
	default:
		writeJSON(w, http.StatusInternalServerError, rx.Fail(err.Error(), nil))
	}
}

type createPrescriptionReq struct {
	CustomerID string          `json:"customer_id"`
	Priority   int             `json:"priority"`
	Urgent     bool            `json:"urgent"`
	Meds       []rx.Medication `json:"medications"`
}

func (h *Handler) createPrescription(w http.ResponseWriter, r *http.Request) {
	var req createPrescriptionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rx.Fail("invalid json", nil))
		return
	}
	if req.CustomerID == "" || len(req.Meds) == 0 {
		writeJSON(w, http.StatusBadRequest, rx.Fail("missing fields", map[string]string{
			"customer_id": "required", "medications": "at least one required",
		}))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p := &rx.Prescription{CustomerID: req.CustomerID, Priority: req.Priority, Urgent: req.Urgent, Meds: req.Meds}
	if err := h.Store.CreatePrescription(ctx, p); err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, p.ID, p.Status)
	writeJSON(w, http.StatusCreated, rx.OK("prescription submitted", p))
}

func (h *Handler) getPrescription(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	p, err := h.Store.GetPrescription(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, p.ID, p.Status)
	writeJSON(w, http.StatusOK, rx.OK("", p))
}

// getStatus serves the lightweight status read through the redis cache,
// falling back to the store.
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyPrescriptionStatus, id)
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, rx.OK("", json.RawMessage(s)))
			return
		}
	}
	p, err := h.Store.GetPrescription(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, p.ID, p.Status)
	writeJSON(w, http.StatusOK, rx.OK("", map[string]any{"status": p.Status}))
}

func (h *Handler) cacheStatus(ctx context.Context, id string, status rx.Status) {
	if h.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyPrescriptionStatus, id)
	b, _ := json.Marshal(map[string]any{"status": status})
	_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
}

func (h *Handler) listActivity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	entries, err := h.Store.ListActivity(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rx.OK("", entries))
}

type assignReq struct {
	ReviewerID string `json:"reviewer_id"`
	Force      bool   `json:"force"`
}

func (h *Handler) assignPrescription(w http.ResponseWriter, r *http.Request) {
	var req assignReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReviewerID == "" {
		writeJSON(w, http.StatusBadRequest, rx.Fail("missing reviewer_id", map[string]string{"reviewer_id": "required"}))
		return
	}
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	snap, err := h.Engine.Assign(ctx, id, req.ReviewerID, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, id, rx.StatusInReview)
	writeJSON(w, http.StatusOK, rx.OK("assigned", snap))
}

type reassignReq struct {
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason"`
}

func (h *Handler) reassignPrescription(w http.ResponseWriter, r *http.Request) {
	var req reassignReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReviewerID == "" {
		writeJSON(w, http.StatusBadRequest, rx.Fail("missing reviewer_id", map[string]string{"reviewer_id": "required"}))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Engine.Reassign(ctx, chi.URLParam(r, "id"), req.ReviewerID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rx.OK("reassigned", nil))
}

type bulkAssignReq struct {
	PrescriptionIDs []string `json:"prescription_ids"`
	Strategy        string   `json:"strategy"`
}

func (h *Handler) bulkAssign(w http.ResponseWriter, r *http.Request) {
	var req bulkAssignReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.PrescriptionIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, rx.Fail("missing prescription_ids", map[string]string{"prescription_ids": "required"}))
		return
	}
	strategy, err := assign.ParseStrategy(req.Strategy)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rx.Fail(err.Error(), map[string]string{"strategy": "one of balanced, round_robin, fastest"}))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	batch, err := h.Engine.BulkAssign(ctx, req.PrescriptionIDs, strategy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rx.OK(
		fmt.Sprintf("%d assigned, %d skipped", len(batch.Assigned), len(batch.Skipped)), batch))
}

type decisionReq struct {
	ReviewerID    string `json:"reviewer_id"`
	Decision      string `json:"decision"`
	Notes         string `json:"notes"`
	AdminOverride bool   `json:"admin_override"`
}

// decide applies the reviewer decision; approval triggers the order pipeline
// exactly once (idempotent on re-approval attempts, which the state machine
// rejects anyway).
func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	var req decisionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReviewerID == "" || req.Decision == "" {
		writeJSON(w, http.StatusBadRequest, rx.Fail("missing fields", map[string]string{
			"reviewer_id": "required", "decision": "required",
		}))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	p, err := h.Engine.Decide(ctx, chi.URLParam(r, "id"), req.ReviewerID, rx.Decision(req.Decision), req.Notes, req.AdminOverride)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, p.ID, p.Status)

	data := map[string]any{"prescription": p}
	if p.Status == rx.StatusApproved {
		h.Pipeline.PublishApproved(ctx, p)
		orderRes, perr := h.Pipeline.CreateOrder(ctx, p.ID, nil)
		if perr != nil {
			// decision stands; the order can be retried via POST .../order
			log.Printf("order pipeline failed prescription=%s: %v", p.ID, perr)
			data["order_error"] = perr.Error()
		} else {
			data["order_result"] = orderRes
		}
	}
	writeJSON(w, http.StatusOK, rx.OK("decision applied", data))
}

func (h *Handler) resubmit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p, err := h.Engine.Resubmit(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, p.ID, p.Status)
	writeJSON(w, http.StatusOK, rx.OK("resubmitted", p))
}

type createOrderReq struct {
	MedicationOverrides map[string]string `json:"medication_overrides"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // body optional
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	res, err := h.Pipeline.CreateOrder(ctx, chi.URLParam(r, "id"), req.MedicationOverrides)
	if err != nil {
		writeError(w, err)
		return
	}
	msg := "order created"
	if res.Existing {
		msg = "order already exists"
	}
	writeJSON(w, http.StatusOK, rx.OK(msg, res))
}

func (h *Handler) reviewerWorkload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	snap, err := h.Engine.Tracker.Capacity(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rx.OK("", snap))
}

type availabilityReq struct {
	Available bool `json:"available"`
}

func (h *Handler) setAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rx.Fail("invalid json", nil))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Store.SetReviewerAvailability(ctx, chi.URLParam(r, "id"), req.Available); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rx.OK("availability updated", nil))
}

type paymentReq struct {
	AmountCents int    `json:"amount_cents"`
	Method      string `json:"method"`
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AmountCents <= 0 {
		writeJSON(w, http.StatusBadRequest, rx.Fail("invalid payment", map[string]string{"amount_cents": "must be positive"}))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Pipeline.RecordPayment(ctx, chi.URLParam(r, "id"), req.AmountCents, req.Method); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rx.OK("payment recorded", nil))
}
