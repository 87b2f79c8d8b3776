package transform

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownProfile indicates the requested voice profile is not configured.
var ErrUnknownProfile = errors.New("unknown voice profile")

// Result is the converted audio returned by a Transformer.
type Result struct {
	Audio       []byte
	ContentType string
}

// Sample is an accepted upload together with its sniffed format.
type Sample struct {
	Audio       []byte
	ContentType string
	// Format is the container extension, such as "wav" or "mp3".
	Format string
}

// Transformer converts an uploaded voice sample into the challenge audio.
type Transformer interface {
	Transform(ctx context.Context, in Sample, profile Profile) (Result, error)
}

// Error describes a failed conversion. Transient failures were retried until the
// attempt budget ran out.
type Error struct {
	Reason     string
	Transient  bool
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := "transform failed: " + e.Reason
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func transient(reason string, status int, err error) *Error {
	return &Error{Reason: reason, Transient: true, StatusCode: status, Err: err}
}

func permanent(reason string, status int, err error) *Error {
	return &Error{Reason: reason, StatusCode: status, Err: err}
}

// IdentityTransformer returns the input unchanged. It serves development mode and
// round-trip tests.
type IdentityTransformer struct {
	ContentType string
}

// Transform returns the sample as the converted audio, labelled with its own content
// type unless ContentType overrides it.
func (t IdentityTransformer) Transform(ctx context.Context, in Sample, _ Profile) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, transient("canceled", 0, err)
	}
	contentType := t.ContentType
	if contentType == "" {
		contentType = in.ContentType
	}
	if contentType == "" {
		contentType = "audio/wav"
	}
	return Result{Audio: in.Audio, ContentType: contentType}, nil
}
