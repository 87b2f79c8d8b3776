package audio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrInvalidAudio is wrapped by every validation failure.
var ErrInvalidAudio = errors.New("invalid audio")

// Validation failure codes returned to clients.
const (
	CodeTooShort    = "AUDIO_TOO_SHORT"
	CodeTooLarge    = "FILE_TOO_LARGE"
	CodeUnsupported = "UNSUPPORTED_FORMAT"
)

// Error reports why an upload was rejected.
type Error struct {
	Code   string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error {
	return ErrInvalidAudio
}

// Info describes an accepted upload.
type Info struct {
	ContentType string
	Extension   string
}

// Validator bounds upload size and sniffs the payload format.
type Validator struct {
	MinBytes     int
	MaxBytes     int
	AllowedTypes []string
}

// Validate checks data and reports its detected format.
func (v Validator) Validate(data []byte) (Info, error) {
	if v.MaxBytes > 0 && len(data) > v.MaxBytes {
		return Info{}, &Error{Code: CodeTooLarge, Detail: fmt.Sprintf("upload is %d bytes, limit is %d", len(data), v.MaxBytes)}
	}
	if len(data) < v.MinBytes || len(data) == 0 {
		return Info{}, &Error{Code: CodeTooShort, Detail: fmt.Sprintf("upload is %d bytes, minimum is %d", len(data), v.MinBytes)}
	}

	detected := mimetype.Detect(data)
	for _, allowed := range v.AllowedTypes {
		allowed = strings.TrimSpace(allowed)
		if allowed != "" && detected.Is(allowed) {
			return Info{
				ContentType: allowed,
				Extension:   strings.TrimPrefix(detected.Extension(), "."),
			}, nil
		}
	}
	return Info{}, &Error{Code: CodeUnsupported, Detail: fmt.Sprintf("detected %s", detected.String())}
}

// ExtensionFor returns the file extension registered for contentType, without the
// leading dot, or "" when the type is unknown.
func ExtensionFor(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	m := mimetype.Lookup(contentType)
	if m == nil {
		return ""
	}
	return strings.TrimPrefix(m.Extension(), ".")
}
