package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/viralforge/cuepassport/internal/application"
	"github.com/viralforge/cuepassport/internal/domain"
)

func (h *Handler) credit(w http.ResponseWriter, r *http.Request) {
	var in application.CreditInput
	if err := decodeBody(r, &in); err != nil {
		h.writeValidationError(r.Context(), w, "ledger_credit", err)
		return
	}
	if in.Kind == domain.TransactionKindRegistrationBonus || in.Kind == domain.TransactionKindDailyBonus {
		// bonuses are granted by registration and the daily-bonus route only
		h.writeValidationError(r.Context(), w, "ledger_credit", errors.New("kind "+string(in.Kind)+" cannot be credited directly"))
		return
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	tx, err := h.service.Credit(r.Context(), in)
	if err != nil {
		h.writeMappedError(r.Context(), w, "ledger_credit", err)
		return
	}
	writeSuccess(w, http.StatusCreated, tx)
}

func (h *Handler) debit(w http.ResponseWriter, r *http.Request) {
	var in application.DebitInput
	if err := decodeBody(r, &in); err != nil {
		h.writeValidationError(r.Context(), w, "ledger_debit", err)
		return
	}

	tx, err := h.service.Debit(r.Context(), in)
	if err != nil {
		h.writeMappedError(r.Context(), w, "ledger_debit", err)
		return
	}
	writeSuccess(w, http.StatusCreated, tx)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	userID, err := uuidParam(r, "userId")
	if err != nil {
		h.writeValidationError(r.Context(), w, "ledger_balance", err)
		return
	}
	balance, err := h.service.Balance(r.Context(), userID)
	if err != nil {
		h.writeMappedError(r.Context(), w, "ledger_balance", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": balance,
	})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	userID, err := uuidParam(r, "userId")
	if err != nil {
		h.writeValidationError(r.Context(), w, "ledger_history", err)
		return
	}
	q := r.URL.Query()
	page, err := h.service.History(r.Context(), userID, application.HistoryQuery{
		Limit:  parseIntDefault(q.Get("limit"), 0),
		Offset: parseIntDefault(q.Get("offset"), 0),
		Kind:   domain.TransactionKind(strings.TrimSpace(q.Get("kind"))),
	})
	if err != nil {
		h.writeMappedError(r.Context(), w, "ledger_history", err)
		return
	}
	writeSuccess(w, http.StatusOK, page)
}

func (h *Handler) mine(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		h.writeMissingBearerError(r.Context(), w, "ledger_mine")
		return
	}
	var req struct {
		Activity   string            `json:"activity"`
		Provenance map[string]string `json:"provenance"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeValidationError(r.Context(), w, "ledger_mine", err)
		return
	}

	tx, err := h.service.Mine(r.Context(), claims.UserID, req.Activity, req.Provenance)
	if err != nil {
		h.writeMappedError(r.Context(), w, "ledger_mine", err)
		return
	}
	writeSuccess(w, http.StatusCreated, tx)
}

func (h *Handler) dailyBonus(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		h.writeMissingBearerError(r.Context(), w, "ledger_daily_bonus")
		return
	}
	res, err := h.service.ClaimDailyBonus(r.Context(), claims.UserID)
	if err != nil {
		h.writeMappedError(r.Context(), w, "ledger_daily_bonus", err)
		return
	}
	writeSuccess(w, http.StatusCreated, res)
}
