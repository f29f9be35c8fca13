package message

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rohanbhuri/bhuri-sap-messaging/internal/apperr"
)

const (
	MaxContentBytes = 4096 // max encoded size
	MaxContentChars = 2000 // max character count
	MaxAttachments  = 10
)

// ValidateContent checks that a message body meets content requirements.
// A message is acceptable when its trimmed content is non-empty OR it
// carries at least one attachment.
func ValidateContent(content string, attachments []Attachment) error {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return fmt.Errorf("message: empty content and no attachments: %w", apperr.ErrValidation)
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message: content exceeds %d byte limit: %w", MaxContentBytes, apperr.ErrValidation)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message: content exceeds %d character limit: %w", MaxContentChars, apperr.ErrValidation)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message: content contains invalid UTF-8: %w", apperr.ErrValidation)
	}
	if len(attachments) > MaxAttachments {
		return fmt.Errorf("message: more than %d attachments: %w", MaxAttachments, apperr.ErrValidation)
	}
	for _, a := range attachments {
		if a.URL == "" {
			return fmt.Errorf("message: attachment without url: %w", apperr.ErrValidation)
		}
	}
	return nil
}
