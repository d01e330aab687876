package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"SheetSend/internal/models"
	"SheetSend/internal/scheduler"
	"SheetSend/internal/store"
)

type Handler struct {
	Creds store.CredentialStore
	Jobs  store.JobStore
	Sched *scheduler.Scheduler
	Log   *zap.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError uses the {"message": ...} shape the form client displays.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func parseID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

// ---- credentials ----

type credentialRequest struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.Creds.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list credentials")
		return
	}
	if creds == nil {
		creds = []models.Credential{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"emails": creds})
}

func (h *Handler) AddCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.User == "" || req.Pass == "" {
		writeError(w, http.StatusBadRequest, "user and pass are required")
		return
	}

	cred, err := h.Creds.Add(r.Context(), req.User, req.Pass)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "email already configured")
			return
		}
		h.Log.Error("add credential failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to add credentials")
		return
	}

	h.Log.Info("credential added", zap.String("user", cred.Address))
	writeJSON(w, http.StatusCreated, map[string]string{"id": cred.ID.String()})
}

func (h *Handler) UpdateCredential(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid credential id")
		return
	}

	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Creds.Update(r.Context(), id, req.User, req.Pass); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "credential not found")
		case errors.Is(err, store.ErrConflict):
			writeError(w, http.StatusConflict, "email already configured")
		default:
			h.Log.Error("update credential failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to update credentials")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Credentials updated."})
}

func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid credential id")
		return
	}

	if err := h.Creds.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "credential not found")
			return
		}
		h.Log.Error("delete credential failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Credentials deleted."})
}

// ---- jobs ----

type attachmentPayload struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
}

type scheduleRequest struct {
	SheetID           string             `json:"sheetId"`
	SheetName         string             `json:"sheetName"`
	EmailSubject      string             `json:"emailSubject"`
	EmailBody         string             `json:"emailBody"`
	Attachment        *attachmentPayload `json:"attachment"`
	Ranges            []models.RowRange  `json:"ranges"`
	ScheduledDateTime time.Time          `json:"scheduledDateTime"`
	SenderID          *uuid.UUID         `json:"senderId,omitempty"`
}

func (h *Handler) ScheduleEmails(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := &models.EmailJob{
		SheetID:     req.SheetID,
		SheetName:   req.SheetName,
		Subject:     req.EmailSubject,
		Body:        req.EmailBody,
		Ranges:      req.Ranges,
		SenderID:    req.SenderID,
		ScheduledAt: req.ScheduledDateTime.UTC(),
	}

	if req.Attachment != nil {
		content, err := base64.StdEncoding.DecodeString(req.Attachment.Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, "attachment content is not valid base64")
			return
		}
		job.Attachment = &models.Attachment{
			Filename:    req.Attachment.Filename,
			ContentType: req.Attachment.ContentType,
			Content:     content,
		}
	}

	if err := job.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.Sched.Schedule(r.Context(), job)
	if err != nil {
		h.Log.Error("schedule failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to schedule emails")
		return
	}

	msg := fmt.Sprintf("Emails scheduled for %s.",
		job.ScheduledAt.Format("Jan 2, 2006 15:04 MST"))
	writeJSON(w, http.StatusCreated, map[string]string{
		"message": msg,
		"id":      id.String(),
	})
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Jobs.List(r.Context())
	if err != nil {
		h.Log.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list scheduled tasks")
		return
	}
	if tasks == nil {
		tasks = []models.JobSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	job, err := h.Jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.Log.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	outcomes, err := h.Jobs.Outcomes(r.Context(), id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.Log.Error("get outcomes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	if outcomes == nil {
		outcomes = []models.RowOutcome{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task":     job,
		"outcomes": outcomes,
	})
}

// DeleteTask cancels a pending or running job; a job already in a terminal
// state is removed from the store instead (the UI exposes one delete control
// for both).
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	err = h.Sched.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Scheduled task canceled."})
	case errors.Is(err, store.ErrAlreadyTerminal):
		if err := h.Jobs.Delete(r.Context(), id); err != nil {
			h.Log.Error("delete job failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to delete task")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Task removed."})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	default:
		h.Log.Error("cancel job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
