package audio

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wavSample(size int) []byte {
	header := []byte("RIFF\x00\x00\x00\x00WAVEfmt ")
	return append(header, bytes.Repeat([]byte{0}, size-len(header))...)
}

func testValidator() Validator {
	return Validator{MinBytes: 1000, MaxBytes: 4096, AllowedTypes: []string{"audio/wav", "audio/mpeg"}}
}

func TestValidateAcceptsWav(t *testing.T) {
	info, err := testValidator().Validate(wavSample(2000))
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", info.ContentType)
	assert.Equal(t, "wav", info.Extension)
}

func TestValidateTrimsAllowedType(t *testing.T) {
	v := Validator{MinBytes: 1000, MaxBytes: 4096, AllowedTypes: []string{"  ", " audio/wav "}}
	info, err := v.Validate(wavSample(2000))
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", info.ContentType)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		code string
	}{
		{"empty", nil, CodeTooShort},
		{"tooShort", wavSample(999), CodeTooShort},
		{"tooLarge", wavSample(5000), CodeTooLarge},
		{"notAudio", bytes.Repeat([]byte("plain text "), 200), CodeUnsupported},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := testValidator().Validate(tc.data)
			require.ErrorIs(t, err, ErrInvalidAudio)

			var aErr *Error
			require.True(t, errors.As(err, &aErr))
			assert.Equal(t, tc.code, aErr.Code)
		})
	}
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, "wav", ExtensionFor("audio/wav"))
	assert.Equal(t, "mp3", ExtensionFor("audio/mpeg"))
	assert.Equal(t, "", ExtensionFor("audio/x-scamvax-none"))
	assert.Equal(t, "", ExtensionFor(""))
}
