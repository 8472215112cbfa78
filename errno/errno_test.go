package errno

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOk(t *testing.T) {
	assert.True(t, OK.Ok())
	assert.False(t, EINVAL.Ok())
}

func TestError(t *testing.T) {
	assert.Equal(t, "invalid argument", EINVAL.Error())
	assert.Equal(t, "no such entity", ENOENT.Error())
}

func TestUnknown(t *testing.T) {
	var e Errno = 9999
	assert.Equal(t, "unknown error", e.Error())
}
