package voice

import (
	"fmt"
	"strings"

	"github.com/ent0n29/stella/internal/memory"
	"github.com/ent0n29/stella/internal/protocol"
)

// formatRelatedContext renders saved sessions as the system message injected
// before a turn. Empty fields are left out; an empty list yields "".
func formatRelatedContext(sessions []memory.SavedSession, limit int) string {
	if len(sessions) == 0 {
		return ""
	}
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	var b strings.Builder
	b.WriteString(protocol.ContextMessagePrefix)
	for i, s := range sessions {
		parts := make([]string, 0, 4)
		if v := strings.TrimSpace(s.Summary); v != "" {
			parts = append(parts, "Summary: "+v)
		}
		if v := strings.TrimSpace(s.Emotion); v != "" {
			parts = append(parts, "Emotion: "+v)
		}
		if v := strings.TrimSpace(s.KeyStressor); v != "" {
			parts = append(parts, "Stressor: "+v)
		}
		if v := strings.TrimSpace(s.MicroStep); v != "" {
			parts = append(parts, "Micro step: "+v)
		}
		fmt.Fprintf(&b, "\n%d) %s", i+1, strings.Join(parts, " | "))
	}
	return b.String()
}
