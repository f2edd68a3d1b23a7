package vm

import "strings"

// String interning
// ================
//
// Short strings (length <= MaxShortLen) are interned in a group-wide
// pool: two equal short strings are the same *SString. Long strings are
// allocated fresh. Equality and table keys compare string contents for
// both kinds, so a short and a long string with the same bytes agree.

type stringPool struct {
	m map[string]*SString
}

func newStringPool() *stringPool {
	return &stringPool{m: make(map[string]*SString)}
}

// NewString boxes a Go string as a Tala string, interning it when
// short.
func (g *GlobalState) NewString(s string) Value {
	if len(s) <= MaxShortLen {
		if obj, ok := g.strings.m[s]; ok {
			return boxString(obj, false)
		}
		obj := &SString{Str: s, Hash: HashString(s)}
		g.strings.m[s] = obj
		g.addDebt(int64(len(s)) + 32)
		return boxString(obj, false)
	}
	g.addDebt(int64(len(s)) + 32)
	return boxString(&SString{Str: s, Hash: HashString(s)}, true)
}

// HashString computes FNV-1a hash for strings
func HashString(s string) uint64 {
	hash := uint64(14695981039346656037)
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= 1099511628211
	}
	return hash
}

// strCompare orders strings byte-lexicographically. Embedded NULs are
// ordinary bytes; the collation is fixed rather than locale-dependent
// so results are stable across hosts.
func strCompare(a, b string) int {
	return strings.Compare(a, b)
}
