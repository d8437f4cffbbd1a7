package validation

import "errors"

// ErrPayloadTooLarge is returned when a file or request body exceeds size limits
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrInvalidMimeType is returned when a file has a disallowed MIME type
var ErrInvalidMimeType = errors.New("invalid MIME type")

// ErrTooManyAttachments is returned when too many files are attached to one message
var ErrTooManyAttachments = errors.New("too many attachments")

// ErrEmptyMessage is returned for a send with neither text nor attachments.
// It is raised before any optimistic message is created.
var ErrEmptyMessage = errors.New("message has no text and no attachments")
