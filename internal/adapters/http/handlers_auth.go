package http

import (
	"net/http"

	"github.com/viralforge/cuepassport/internal/application"
	"github.com/viralforge/cuepassport/internal/domain"
)

func (h *Handler) authStart(w http.ResponseWriter, r *http.Request) {
	var req application.StartRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeValidationError(r.Context(), w, "auth_start", err)
		return
	}
	req.Device = withTransport(req.Device, r)

	res, err := h.service.Start(r.Context(), req)
	if err != nil {
		h.writeMappedError(r.Context(), w, "auth_start", err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

func (h *Handler) authComplete(w http.ResponseWriter, r *http.Request) {
	var req application.CompleteRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeValidationError(r.Context(), w, "auth_complete", err)
		return
	}
	req.Device = withTransport(req.Device, r)

	res, err := h.service.Complete(r.Context(), req)
	if err != nil {
		h.writeMappedError(r.Context(), w, "auth_complete", err)
		return
	}
	status := http.StatusOK
	if res.Flow == application.FlowRegister {
		status = http.StatusCreated
	}
	writeSuccess(w, status, res)
}

func (h *Handler) currentSession(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFromContext(r.Context())
	claims, _ := claimsFromContext(r.Context())
	writeSuccess(w, http.StatusOK, map[string]any{
		"user_id":    claims.UserID,
		"did":        claims.DID,
		"session_id": session.SessionID,
		"issued_at":  session.IssuedAt,
		"expires_at": session.ExpiresAt,
	})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		h.writeMissingBearerError(r.Context(), w, "logout")
		return
	}
	if err := h.service.RevokeSession(r.Context(), session.SessionID); err != nil {
		h.writeMappedError(r.Context(), w, "logout", err)
		return
	}
	writeMessage(w, http.StatusOK, "Logged out successfully")
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		h.writeMissingBearerError(r.Context(), w, "list_sessions")
		return
	}
	items, err := h.service.ListSessions(r.Context(), claims.UserID)
	if err != nil {
		h.writeMappedError(r.Context(), w, "list_sessions", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"sessions": items})
}

func (h *Handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		h.writeMissingBearerError(r.Context(), w, "revoke_session")
		return
	}
	sessionID, err := uuidParam(r, "session_id")
	if err != nil {
		h.writeValidationError(r.Context(), w, "revoke_session", err)
		return
	}

	// only the caller's own live sessions can be revoked here
	owned, err := h.service.ListSessions(r.Context(), claims.UserID)
	if err != nil {
		h.writeMappedError(r.Context(), w, "revoke_session", err)
		return
	}
	found := false
	for _, s := range owned {
		if s.SessionID == sessionID {
			found = true
			break
		}
	}
	if !found {
		h.writeMappedError(r.Context(), w, "revoke_session", domain.ErrNotFound)
		return
	}

	if err := h.service.RevokeSession(r.Context(), sessionID); err != nil {
		h.writeMappedError(r.Context(), w, "revoke_session", err)
		return
	}
	writeMessage(w, http.StatusOK, "Session revoked successfully")
}

func (h *Handler) revokeAllSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		h.writeMissingBearerError(r.Context(), w, "revoke_all_sessions")
		return
	}
	revoked, err := h.service.RevokeAllSessions(r.Context(), claims.UserID)
	if err != nil {
		h.writeMappedError(r.Context(), w, "revoke_all_sessions", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func withTransport(device domain.DeviceMeta, r *http.Request) domain.DeviceMeta {
	device.IPAddress = readIP(r)
	device.UserAgent = r.UserAgent()
	return device
}
