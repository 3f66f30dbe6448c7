// Package fingerprint assigns stable identities to SQL statements. Two
// statements that differ only in literal values, whitespace, comments, or
// keyword case share a fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"

	"querymon/internal/errkind"
)

// HashSize is the fingerprint hash width in bytes (128 bits).
const HashSize = 16

// MaxSampleBytes bounds the preserved sample of the original statement text.
const MaxSampleBytes = 4096

// Fingerprint is the computed identity of a statement.
type Fingerprint struct {
	// Hash is the 128-bit identity: the leading 16 bytes of
	// SHA-256(normalised text), or the server-supplied hash verbatim.
	Hash [HashSize]byte
	// NormalizedText is the canonical display form.
	NormalizedText string
	// SampleText is the original input truncated to MaxSampleBytes at a
	// UTF-8 boundary.
	SampleText string
}

// HexHash returns the hash as lowercase hex.
func (f Fingerprint) HexHash() string {
	return hex.EncodeToString(f.Hash[:])
}

// Compute fingerprints raw SQL text. When serverHash is non-empty it is used
// verbatim as the identity (truncated or zero-padded to HashSize) and only
// the display text is derived locally.
func Compute(text string, serverHash []byte) (Fingerprint, error) {
	if !utf8.ValidString(text) {
		return Fingerprint{}, errkind.New(errkind.BadInput, "sql text is not valid UTF-8")
	}

	normalized := Normalize(text)

	fp := Fingerprint{
		NormalizedText: normalized,
		SampleText:     truncateUTF8(text, MaxSampleBytes),
	}

	if len(serverHash) > 0 {
		copy(fp.Hash[:], serverHash)
		return fp, nil
	}

	sum := sha256.Sum256([]byte(normalized))
	copy(fp.Hash[:], sum[:HashSize])
	return fp, nil
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
