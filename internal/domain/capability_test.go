package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilitiesHasStage(t *testing.T) {
	c := Capabilities{Stage: []string{"transcribe", "align"}}
	assert.True(t, c.HasStage("transcribe"))
	assert.False(t, c.HasStage("diarize"))
}

func TestCapabilitiesSupportsLanguageEmptyMeansAll(t *testing.T) {
	c := Capabilities{}
	assert.True(t, c.SupportsLanguage("en"))
	assert.True(t, c.SupportsLanguage(""))
	assert.True(t, c.IsAllLanguages())
}

func TestCapabilitiesSupportsLanguageRestricted(t *testing.T) {
	c := Capabilities{Languages: []string{"en", "fr"}}
	assert.True(t, c.SupportsLanguage("en"))
	assert.False(t, c.SupportsLanguage("de"))
	assert.False(t, c.IsAllLanguages())
}
