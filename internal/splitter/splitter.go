package splitter

import (
	"fmt"
	"strings"
)

// Split breaks text into ordered chunks of at most maxLen characters each.
// reservedFooterLen shrinks the budget of every chunk so that metadata
// appended later (part indicator, footer) still fits under the transport cap.
//
// Break selection within the budget, in priority order: the last paragraph
// boundary, the last line boundary, a hard cut. When a break lands inside an
// open ``` block, the block is closed at the end of the chunk and reopened
// (with its language tag) at the start of the next, so every chunk renders as
// valid markdown on its own.
func Split(text string, maxLen, reservedFooterLen int) []string {
	if text == "" {
		return nil
	}
	budget := maxLen - reservedFooterLen
	if budget < 1 {
		budget = 1
	}

	var chunks []string
	openFence := "" // "" = no open fence, otherwise the fence line to reopen with

	// Room for the "\n```" appended when a break lands inside a fence.
	const fenceCloseReserve = 4

	rest := text
	for rest != "" {
		prefix := ""
		if openFence != "" {
			prefix = openFence + "\n"
		}

		avail := budget - len(prefix) - fenceCloseReserve
		if avail < 1 {
			avail = 1
		}

		if len(prefix)+len(rest)+fenceCloseReserve <= budget {
			chunk := prefix + rest
			rest = ""
			if fence := openFenceAfter(chunk); fence != "" {
				// Input ended inside a fence; close it so the chunk renders.
				chunk += "\n```"
			}
			chunks = append(chunks, chunk)
			break
		}

		cut := breakIndex(rest, avail)
		body := rest[:cut]
		rest = strings.TrimLeft(rest[cut:], "\n")

		chunk := prefix + body
		openFence = openFenceAfter(chunk)
		if openFence != "" {
			chunk += "\n```"
		}
		chunks = append(chunks, chunk)
	}

	// Drop any empty chunks produced by pathological inputs (e.g. trailing
	// newlines consumed by TrimLeft).
	out := chunks[:0]
	for _, c := range chunks {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// breakIndex picks the cut position for a chunk of at most avail characters.
func breakIndex(s string, avail int) int {
	if avail >= len(s) {
		return len(s)
	}
	window := s[:avail]
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i
	}
	return avail
}

// openFenceAfter scans s and returns the opening fence line of a still-open
// triple-backtick block, or "" when all fences are balanced. The returned
// line keeps the language tag so the reopen preserves highlighting.
func openFenceAfter(s string) string {
	open := ""
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open == "" {
			open = trimmed
		} else {
			open = ""
		}
	}
	return open
}

// AddChunkMetadata appends part indicators and the optional footer after
// splitting. A single chunk gets only the footer; multiple chunks each get a
// " (i/N)" suffix with the footer on the last chunk, before its indicator.
func AddChunkMetadata(chunks []string, footer string) []string {
	switch len(chunks) {
	case 0:
		return nil
	case 1:
		if footer == "" {
			return []string{chunks[0]}
		}
		return []string{chunks[0] + footer}
	}

	out := make([]string, len(chunks))
	total := len(chunks)
	for i, c := range chunks {
		if i == total-1 && footer != "" {
			c += footer
		}
		out[i] = fmt.Sprintf("%s (%d/%d)", c, i+1, total)
	}
	return out
}
