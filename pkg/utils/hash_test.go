package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashStringIsStable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, HashString("Find Ross County in Ohio State"), HashString("Find Ross County in Ohio State"))
	assert.NotEqual(t, HashString("Find Ross County"), HashString("Find Pike County"))
	assert.Len(t, HashString(""), 64)
}
