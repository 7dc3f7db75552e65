package context

import (
	"strings"

	"github.com/nidhogg/nuka-loom/internal/layer"
)

// sectionBreak separates sections of assembled text. Medium compression
// splits on it.
const sectionBreak = "\n\n"

// Assemble joins the story context and the admitted layers' text into the
// text handed to the generator. Empty parts are left out.
func Assemble(storyContext string, layers []layer.Layer) string {
	parts := make([]string, 0, len(layers)+1)
	if s := strings.TrimSpace(storyContext); s != "" {
		parts = append(parts, s)
	}
	for _, l := range layers {
		if s := strings.TrimSpace(l.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sectionBreak)
}
