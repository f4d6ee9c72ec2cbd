package core

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// ScoreSize is the length in bytes of a Score (a SHA-1 digest).
const ScoreSize = sha1.Size

// Score is the content identity of a block: the SHA-1 digest of its bytes.
type Score [ScoreSize]byte

// ZeroScore is the all-zero score. It never identifies stored content.
var ZeroScore Score

// ScoreOf computes the score of data.
func ScoreOf(data []byte) Score {
	return Score(sha1.Sum(data))
}

// ScoreFromBytes wraps an existing 20-byte digest without recomputing it.
func ScoreFromBytes(b []byte) (Score, error) {
	var s Score
	if len(b) != ScoreSize {
		return s, fmt.Errorf("score must be %d bytes, got %d", ScoreSize, len(b))
	}
	copy(s[:], b)
	return s, nil
}

// ParseScore parses the lowercase (or uppercase) hex form produced by String.
func ParseScore(text string) (Score, error) {
	var s Score
	if len(text) != 2*ScoreSize {
		return s, fmt.Errorf("score must be %d hex characters, got %d", 2*ScoreSize, len(text))
	}
	if _, err := hex.Decode(s[:], []byte(text)); err != nil {
		return s, fmt.Errorf("invalid score %q: %w", text, err)
	}
	return s, nil
}

// String returns the canonical lowercase hex form of the score.
func (s Score) String() string {
	return hex.EncodeToString(s[:])
}

// Bytes returns a copy of the digest.
func (s Score) Bytes() []byte {
	b := make([]byte, ScoreSize)
	copy(b, s[:])
	return b
}

// Equal reports whether two scores are identical.
func (s Score) Equal(other Score) bool {
	return bytes.Equal(s[:], other[:])
}

// IsZero reports whether s is the zero score.
func (s Score) IsZero() bool {
	return s == ZeroScore
}
