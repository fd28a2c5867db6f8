package lang

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Fingerprint hashes a structural token stream into the 32-hex form stored as
// astFingerprint. Adapters strip comments and collapse whitespace before
// calling so that reformatting does not change the hash.
func Fingerprint(structural []byte) string {
	sum := blake3.Sum256(structural)
	return hex.EncodeToString(sum[:16])
}

// StripForFingerprint removes comments and collapses whitespace runs to a
// single separator byte. lineComment starts a to-end-of-line comment;
// blockStart/blockEnd delimit block comments (pass "" to disable). String
// literals are preserved verbatim so their content stays structural.
func StripForFingerprint(src []byte, lineComment, blockStart, blockEnd string) []byte {
	out := make([]byte, 0, len(src))
	inSpace := false
	i := 0
	for i < len(src) {
		c := src[i]

		// String literals pass through unmodified.
		if c == '"' || c == '\'' || c == '`' {
			quote := c
			out = append(out, c)
			i++
			for i < len(src) {
				out = append(out, src[i])
				if src[i] == '\\' && i+1 < len(src) {
					i++
					out = append(out, src[i])
					i++
					continue
				}
				if src[i] == quote {
					i++
					break
				}
				i++
			}
			inSpace = false
			continue
		}

		if lineComment != "" && hasPrefixAt(src, i, lineComment) {
			for i < len(src) && src[i] != '\n' {
				i++
			}
			continue
		}
		if blockStart != "" && hasPrefixAt(src, i, blockStart) {
			i += len(blockStart)
			for i < len(src) && !hasPrefixAt(src, i, blockEnd) {
				i++
			}
			i += len(blockEnd)
			continue
		}

		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			if !inSpace {
				out = append(out, ' ')
				inSpace = true
			}
			i++
			continue
		}

		out = append(out, c)
		inSpace = false
		i++
	}
	return out
}

func hasPrefixAt(src []byte, i int, s string) bool {
	if i+len(s) > len(src) {
		return false
	}
	for j := 0; j < len(s); j++ {
		if src[i+j] != s[j] {
			return false
		}
	}
	return true
}
