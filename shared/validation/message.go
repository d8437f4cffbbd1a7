package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/itchan-dev/chatsync/shared/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Draft is what the user submits from the input box.
type Draft struct {
	Body        string             `validate:"required_without=Attachments"`
	Attachments domain.Attachments `validate:"required_without=Body"`
}

// ValidateDraft rejects a send with neither text nor attachments. Whitespace
// only text counts as no text. Returns the trimmed body on success.
func ValidateDraft(body string, attachments domain.Attachments) (string, error) {
	d := Draft{Body: strings.TrimSpace(body)}
	if len(attachments) > 0 {
		d.Attachments = attachments
	}

	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return "", ErrEmptyMessage
		}
		return "", fmt.Errorf("validate draft: %w", err)
	}
	return d.Body, nil
}

// Struct validates any DTO carrying `validate` tags.
func Struct(v any) error {
	return validate.Struct(v)
}
