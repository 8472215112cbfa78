// Package bootargs tokenizes the flattened key=value boot environment
// string described in spec.md §6 and exposes the keys the core consumes.
//
// There is no ecosystem shlex-alike in the retrieved corpus that tokenizes
// a single embedded string of quoted key=value pairs (as opposed to a CLI
// argv, which is what spf13/pflag and jessevdk/go-flags parse); this is a
// small, self-contained lexer built on the standard library, per DESIGN.md.
package bootargs

import (
	"strconv"
	"strings"

	"mimiker/errno"
)

// Config holds the typed boot parameters the kernel core consumes.
type Config struct {
	Raw map[string]string

	MemSize    uint64
	RDStart    uint64
	RDSize     uint64
	MemStart   uint64
	MemEnd     uint64
	Init       string
	Test       string
	KlogMask   string
	KlogQuiet  bool
	KlogVerbose bool
	Seed       int64
}

// Tokenize splits a boot argument string into key=value tokens. A value may
// be wrapped in double quotes to contain whitespace; a backslash escapes the
// following character inside a quoted value. Returns EINVAL on an unmatched
// quote.
func Tokenize(s string) ([]string, errno.Errno) {
	var toks []string
	var cur strings.Builder
	inQuotes := false
	haveTok := false

	flush := func() {
		if haveTok {
			toks = append(toks, cur.String())
			cur.Reset()
			haveTok = false
		}
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\\' && inQuotes && i+1 < len(runes):
			i++
			cur.WriteRune(runes[i])
			haveTok = true
		case c == '"':
			inQuotes = !inQuotes
			haveTok = true
		case c == ' ' || c == '\t' || c == '\n':
			if inQuotes {
				cur.WriteRune(c)
				haveTok = true
			} else {
				flush()
			}
		default:
			cur.WriteRune(c)
			haveTok = true
		}
	}
	if inQuotes {
		return nil, errno.EINVAL
	}
	flush()
	return toks, errno.OK
}

// Parse tokenizes s and builds a Config from recognized key=value tokens.
// Unrecognized keys are kept in Raw but otherwise ignored, matching the
// teacher's tolerance of unknown boot-time noise.
func Parse(s string) (*Config, errno.Errno) {
	toks, err := Tokenize(s)
	if err != errno.OK {
		return nil, err
	}

	raw := map[string]string{}
	for _, t := range toks {
		k, v, ok := strings.Cut(t, "=")
		if !ok {
			raw[t] = ""
			continue
		}
		raw[k] = v
	}

	cfg := &Config{Raw: raw}
	cfg.MemSize = parseUint(raw["memsize"])
	cfg.RDStart = parseUint(raw["rd_start"])
	cfg.RDSize = parseUint(raw["rd_size"])
	cfg.MemStart = parseUint(raw["mem_start"])
	cfg.MemEnd = parseUint(raw["mem_end"])
	cfg.Init = raw["init"]
	cfg.Test = raw["test"]
	cfg.KlogMask = raw["klog-mask"]
	_, cfg.KlogQuiet = raw["klog-quiet"]
	_, cfg.KlogVerbose = raw["klog-verbose"]
	if seed, ok := raw["seed"]; ok {
		n, perr := strconv.ParseInt(seed, 0, 64)
		if perr == nil {
			cfg.Seed = n
		}
	}
	return cfg, errno.OK
}

func parseUint(s string) uint64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0
	}
	return n
}
