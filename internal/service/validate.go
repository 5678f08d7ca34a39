package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/eventmarket/messaging/internal/model"
)

// Message limits.
const (
	MaxContentBytes = 100000
	MaxAttachments  = 10
)

const previewRunes = 100

func validateID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: invalid %s ID format", ErrInvalidArgument, kind)
	}
	return nil
}

// normalizeContent returns the content to persist, nil when blank.
func normalizeContent(content string, attachments []model.Attachment) (*string, error) {
	if len(content) > MaxContentBytes {
		return nil, fmt.Errorf("%w: content exceeds maximum length", ErrInvalidArgument)
	}
	if !utf8.ValidString(content) {
		return nil, fmt.Errorf("%w: content must be valid UTF-8", ErrInvalidArgument)
	}
	if len(attachments) > MaxAttachments {
		return nil, fmt.Errorf("%w: at most %d attachments", ErrInvalidArgument, MaxAttachments)
	}
	for _, a := range attachments {
		if a.URL == "" {
			return nil, fmt.Errorf("%w: attachment url is required", ErrInvalidArgument)
		}
	}

	if strings.TrimSpace(content) == "" {
		if len(attachments) == 0 {
			return nil, fmt.Errorf("%w: message needs content or an attachment", ErrInvalidArgument)
		}
		return nil, nil
	}
	return &content, nil
}

// preview is the thread/notification summary of a message.
func preview(msg *model.Message) string {
	if msg.Content != nil {
		runes := []rune(*msg.Content)
		if len(runes) > previewRunes {
			return string(runes[:previewRunes])
		}
		return *msg.Content
	}
	if len(msg.Attachments) > 0 {
		return "📎 " + msg.Attachments[0].Name
	}
	return ""
}
