package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"slices"
	"strings"
)

// RecognitionKey fingerprints captured audio together with the vocabulary
// hints handed to the recognizer. Hint order does not matter.
func RecognitionKey(audio []byte, hints []string) string {
	sorted := slices.Clone(hints)
	slices.Sort(sorted)

	h := sha256.New()
	writeField(h, []byte("stt"))
	writeField(h, audio)
	for _, hint := range sorted {
		writeField(h, []byte(hint))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EnhancementKey fingerprints a transcript after whitespace normalization,
// the detected context type and the prompt template in effect.
func EnhancementKey(text, contextType, prompt string) string {
	h := sha256.New()
	writeField(h, []byte("llm"))
	writeField(h, []byte(NormalizeText(text)))
	writeField(h, []byte(contextType))
	writeField(h, []byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeText trims and collapses runs of whitespace.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// writeField length-prefixes each field so adjacent fields cannot alias.
func writeField(h hash.Hash, b []byte) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(b)))
	h.Write(size[:])
	h.Write(b)
}
