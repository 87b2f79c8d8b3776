package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileSetLookup(t *testing.T) {
	set, err := NewProfileSet(DefaultProfiles(), DefaultProfile)
	require.NoError(t, err)

	p, err := set.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, "zh", p.Name)

	p, err = set.Lookup(" EN ")
	require.NoError(t, err)
	assert.Equal(t, "en", p.Name)
	assert.Contains(t, p.Script, "transfer some money")

	_, err = set.Lookup("fr")
	assert.ErrorIs(t, err, ErrUnknownProfile)

	assert.Equal(t, []string{"en", "zh"}, set.Names())
}

func TestNewProfileSetValidation(t *testing.T) {
	_, err := NewProfileSet([]Profile{{Name: "en", Script: "hi"}}, "zh")
	assert.ErrorIs(t, err, ErrUnknownProfile)

	_, err = NewProfileSet([]Profile{{Name: "en"}}, "en")
	assert.Error(t, err)

	_, err = NewProfileSet([]Profile{{Script: "hi"}}, "")
	assert.Error(t, err)
}
