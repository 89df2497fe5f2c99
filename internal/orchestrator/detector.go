package orchestrator

import (
	"strings"
	"time"
)

// ResponseCompletionDetector decides when an interactive CLI has finished one
// response turn. Implementations look only at the accumulated buffer and the
// time since output last arrived, so they can be swapped for a structured
// protocol (e.g. a sentinel the CLI is asked to print) without touching the
// orchestrator.
type ResponseCompletionDetector interface {
	Done(buffer string, sinceLastOutput time.Duration) bool
}

const (
	defaultMinResponseLength = 50
	defaultSilenceWindow     = 3 * time.Second
)

// HeuristicDetector is the best-effort default: the buffer is long enough
// and either ends in terminal punctuation / a closed code fence, or output
// has gone silent. Known to misfire on long mid-response pauses and on
// responses that end without punctuation.
type HeuristicDetector struct {
	MinLength int
	Silence   time.Duration
}

func NewHeuristicDetector() *HeuristicDetector {
	return &HeuristicDetector{
		MinLength: defaultMinResponseLength,
		Silence:   defaultSilenceWindow,
	}
}

func (d *HeuristicDetector) Done(buffer string, sinceLastOutput time.Duration) bool {
	minLen := d.MinLength
	if minLen <= 0 {
		minLen = defaultMinResponseLength
	}
	silence := d.Silence
	if silence <= 0 {
		silence = defaultSilenceWindow
	}

	trimmed := strings.TrimSpace(stripANSI(buffer))
	if len(trimmed) < minLen {
		return false
	}
	if sinceLastOutput >= silence {
		return true
	}
	if endsWithTerminalPunctuation(trimmed) {
		return true
	}
	return endsWithClosedCodeFence(trimmed)
}

func endsWithTerminalPunctuation(s string) bool {
	switch s[len(s)-1] {
	case '.', '?', '!':
		return true
	}
	return false
}

// endsWithClosedCodeFence is true when the last line is a fence and fences
// balance out, i.e. the response closed a code block as its final act.
func endsWithClosedCodeFence(s string) bool {
	if !strings.HasSuffix(s, "```") {
		return false
	}
	return strings.Count(s, "```")%2 == 0
}

// stripANSI drops CSI escape sequences so cursor movement and color codes do
// not defeat the punctuation check.
func stripANSI(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}
	var out strings.Builder
	out.Grow(len(s))
	inEscape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inEscape {
			if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
				inEscape = false
			}
			continue
		}
		if c == 0x1b {
			if i+1 < len(s) && s[i+1] == '[' {
				inEscape = true
				i++
				continue
			}
			continue
		}
		out.WriteByte(c)
	}
	return out.String()
}
