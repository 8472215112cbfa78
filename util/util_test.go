package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMin(t *testing.T) {
	assert.Equal(t, 3, Min(3, 5))
	assert.Equal(t, 3, Min(5, 3))
	assert.Equal(t, 3, Min(3, 3))
}

func TestRounddown(t *testing.T) {
	assert.EqualValues(t, 4096, Rounddown(4100, 4096))
	assert.EqualValues(t, 4096, Rounddown(4096, 4096))
	assert.EqualValues(t, 0, Rounddown(4095, 4096))
}

func TestRoundup(t *testing.T) {
	assert.EqualValues(t, 8192, Roundup(4100, 4096))
	assert.EqualValues(t, 4096, Roundup(4096, 4096))
	assert.EqualValues(t, 0, Roundup(0, 4096))
}
