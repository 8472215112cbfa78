package bootargs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mimiker/errno"
)

func TestTokenizeQuoted(t *testing.T) {
	toks, err := Tokenize(`memsize=512 init="/bin/sh -c test" seed=7`)
	require.Equal(t, errno.OK, err)
	assert.Equal(t, []string{"memsize=512", `init=/bin/sh -c test`, "seed=7"}, toks)
}

func TestTokenizeUnmatchedQuote(t *testing.T) {
	_, err := Tokenize(`init="unterminated`)
	assert.Equal(t, errno.EINVAL, err)
}

func TestParse(t *testing.T) {
	cfg, err := Parse(`memsize=134217728 mem_start=0x1000 mem_end=0x8000000 init="/sbin/init -v" klog-verbose seed=42`)
	require.Equal(t, errno.OK, err)
	assert.EqualValues(t, 134217728, cfg.MemSize)
	assert.EqualValues(t, 0x1000, cfg.MemStart)
	assert.EqualValues(t, 0x8000000, cfg.MemEnd)
	assert.Equal(t, "/sbin/init -v", cfg.Init)
	assert.True(t, cfg.KlogVerbose)
	assert.EqualValues(t, 42, cfg.Seed)
}
