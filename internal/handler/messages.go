package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/eventmarket/messaging/internal/model"
	"github.com/eventmarket/messaging/internal/service"
	"github.com/eventmarket/messaging/internal/upload"
	"github.com/eventmarket/messaging/pkg/logger"
	"github.com/eventmarket/messaging/pkg/metrics"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	service *service.MessagingService
	uploads upload.Store
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler. uploads may be nil, in
// which case multipart sends are rejected.
func NewMessageHandler(svc *service.MessagingService, uploads upload.Store, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		uploads: uploads,
		logger:  log,
	}
}

// List handles GET /api/v1/threads/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	messages, err := h.service.History(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, model.ListMessagesResponse{Messages: messages})
}

// Send handles POST /api/v1/threads/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := chi.URLParam(r, "id")
	id := caller(r)

	var req model.SendMessageRequest
	var staged []model.Attachment
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		// Files are only written once the caller may post to the thread.
		if err := h.service.AuthorizeSend(ctx, id, threadID); err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		parsed, status, err := h.readMultipart(r)
		staged = parsed.Attachments
		if err != nil {
			h.discard(staged)
			writeError(w, status, err.Error())
			return
		}
		req = parsed
	} else if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.service.SendMessage(ctx, id, threadID, req.Content, req.Attachments)
	if err != nil {
		h.discard(staged)
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, model.SendMessageResponse{Message: msg})
}

// readMultipart collects the content field and stores every file part. The
// returned attachments are the files stored so far, even on error.
func (h *MessageHandler) readMultipart(r *http.Request) (model.SendMessageRequest, int, error) {
	var req model.SendMessageRequest

	mr, err := r.MultipartReader()
	if err != nil {
		return req, http.StatusBadRequest, errors.New("invalid multipart body")
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return req, http.StatusBadRequest, errors.New("invalid multipart body")
		}
		if status, err := h.readPart(r.Context(), part, &req); err != nil {
			return req, status, err
		}
	}

	return req, http.StatusOK, nil
}

func (h *MessageHandler) readPart(ctx context.Context, part *multipart.Part, req *model.SendMessageRequest) (int, error) {
	defer part.Close()

	switch part.FormName() {
	case "content":
		data, err := io.ReadAll(io.LimitReader(part, service.MaxContentBytes+1))
		if err != nil {
			return http.StatusBadRequest, errors.New("invalid content field")
		}
		if len(data) > service.MaxContentBytes {
			return http.StatusBadRequest, errors.New("content exceeds maximum length")
		}
		req.Content = string(data)
	case "file", "files":
		if h.uploads == nil {
			return http.StatusBadRequest, errors.New("attachments are not enabled")
		}
		if len(req.Attachments) >= service.MaxAttachments {
			return http.StatusBadRequest, fmt.Errorf("at most %d attachments", service.MaxAttachments)
		}
		name := strings.TrimSpace(part.FileName())
		if name == "" {
			return http.StatusBadRequest, errors.New("file part without a filename")
		}
		att, err := h.uploads.Save(ctx, name, part)
		if errors.Is(err, upload.ErrTooLarge) {
			return http.StatusRequestEntityTooLarge, err
		}
		if err != nil {
			h.logger.Error("failed to store attachment", zap.String("name", name), zap.Error(err))
			return http.StatusInternalServerError, errors.New("failed to store attachment")
		}
		req.Attachments = append(req.Attachments, att)
	}
	return http.StatusOK, nil
}

// discard removes files stored for a send that did not go through.
func (h *MessageHandler) discard(staged []model.Attachment) {
	for _, att := range staged {
		if err := h.uploads.Remove(att); err != nil {
			h.logger.Warn("failed to remove staged attachment", zap.String("url", att.URL), zap.Error(err))
		}
	}
}

// MarkRead handles POST /api/v1/threads/{id}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req model.MarkReadRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	updated, err := h.service.MarkRead(r.Context(), caller(r), chi.URLParam(r, "id"), req.MessageIDs)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, model.MarkReadResponse{Success: true, Updated: updated})
}

// SetTyping handles POST /api/v1/threads/{id}/typing
func (h *MessageHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	var req model.TypingRequest
	if err := decodeJSON(r, &req); err != nil || req.IsTyping == nil {
		writeError(w, http.StatusBadRequest, "isTyping must be a boolean")
		return
	}

	if err := h.service.SetTyping(r.Context(), caller(r), chi.URLParam(r, "id"), *req.IsTyping); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	metrics.RecordTyping("http")

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetTyping handles GET /api/v1/threads/{id}/typing
func (h *MessageHandler) GetTyping(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetTyping(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
