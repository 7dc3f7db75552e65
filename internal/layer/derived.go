package layer

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/nuka-loom/internal/tokens"
)

// Tags carried by layers derived from conversation memory and the summary.
const (
	TagMemory  = "memory"
	TagSummary = "summary"
)

// defaultMemoryImportance applies to entries recorded without one.
const defaultMemoryImportance = 5

// Candidates returns the stored layers followed by selection-only layers
// built from conversation memory and the campaign summary. Memory comes
// from sessionID, or from every session when sessionID is empty; each
// entry becomes a session layer. The summary becomes a permanent
// long-term layer. Derived layers are numbered after the stored ones and
// are never written back to the store.
func Candidates(c Contents, sessionID string, now time.Time) []Layer {
	out := append([]Layer(nil), c.Layers...)
	var seq int64
	for _, l := range c.Layers {
		seq = max(seq, l.Seq)
	}

	type tagged struct {
		session string
		idx     int
		entry   MemoryEntry
	}
	var entries []tagged
	for sid, list := range c.Memory {
		if sessionID != "" && sid != sessionID {
			continue
		}
		for i, e := range list {
			entries = append(entries, tagged{sid, i, e})
		}
	}
	sort.SliceStable(entries, func(a, b int) bool {
		ea, eb := entries[a], entries[b]
		if !ea.entry.Timestamp.Equal(eb.entry.Timestamp) {
			return ea.entry.Timestamp.Before(eb.entry.Timestamp)
		}
		if ea.session != eb.session {
			return ea.session < eb.session
		}
		return ea.idx < eb.idx
	})

	for _, t := range entries {
		text := memoryText(t.entry)
		if text == "" {
			continue
		}
		seq++
		created := t.entry.Timestamp
		if created.IsZero() {
			created = now
		}
		imp := t.entry.Importance
		if imp == 0 {
			imp = defaultMemoryImportance
		}
		var chars []string
		if t.entry.Speaker != "" {
			chars = []string{t.entry.Speaker}
		}
		out = append(out, Layer{
			ID:            "memory:" + t.session + ":" + strconv.Itoa(t.idx),
			Kind:          KindSession,
			Text:          text,
			CreatedAt:     created,
			Importance:    ClampImportance(imp),
			TokenEstimate: tokens.Estimate(text),
			Tags:          []string{TagMemory},
			CharacterIDs:  chars,
			Seq:           seq,
		})
	}

	if c.Summary != nil && strings.TrimSpace(c.Summary.Text) != "" {
		seq++
		out = append(out, Layer{
			ID:            "summary",
			Kind:          KindLongTerm,
			Text:          c.Summary.Text,
			CreatedAt:     now,
			Importance:    MaxImportance,
			TokenEstimate: tokens.Estimate(c.Summary.Text),
			Tags:          []string{TagSummary},
			Permanent:     true,
			Seq:           seq,
		})
	}
	return out
}

// memoryText renders one exchange as "speaker: message", the response on
// its own line and the context in brackets.
func memoryText(e MemoryEntry) string {
	var b strings.Builder
	if msg := strings.TrimSpace(e.Message); msg != "" {
		if e.Speaker != "" {
			b.WriteString(e.Speaker)
			b.WriteString(": ")
		}
		b.WriteString(msg)
	}
	if resp := strings.TrimSpace(e.Response); resp != "" {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(resp)
	}
	if ctx := strings.TrimSpace(e.Context); ctx != "" && b.Len() > 0 {
		b.WriteString(" [")
		b.WriteString(ctx)
		b.WriteByte(']')
	}
	return b.String()
}
