package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/eldtechnologies/chatdash/internal/models"
)

// Window returns the newest suffix of transcript whose total content length
// fits within budget characters. Messages are dropped oldest-first and never
// split. The newest message is always kept so a turn can proceed even when
// it alone exceeds the budget.
func Window(transcript []models.Message, budget int) []models.Message {
	if budget <= 0 || len(transcript) == 0 {
		return transcript
	}

	total := 0
	start := len(transcript)
	for i := len(transcript) - 1; i >= 0; i-- {
		total += len(transcript[i].Content)
		if total > budget {
			break
		}
		start = i
	}

	if start == len(transcript) {
		start = len(transcript) - 1
	}
	return transcript[start:]
}

// TranscriptSize returns the summed content length of a transcript.
func TranscriptSize(transcript []models.Message) int {
	total := 0
	for _, m := range transcript {
		total += len(m.Content)
	}
	return total
}

// TranscriptHash returns a stable cache key for a windowed transcript and
// its generation parameters. Role and content both feed the hash, so any
// change to the visible conversation produces a new key.
func TranscriptHash(transcript []models.Message, params Params) string {
	h := sha256.New()
	for _, m := range transcript {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "%.3f|%d", params.Temperature, params.MaxTokens)
	return hex.EncodeToString(h.Sum(nil))
}
