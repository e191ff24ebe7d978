package voice

import (
	"strings"
	"testing"

	"github.com/ent0n29/stella/internal/memory"
)

func TestCellReadsCurrentValue(t *testing.T) {
	var c Cell[string]
	if got := c.Load(); got != "" {
		t.Fatalf("Load() = %q, want empty", got)
	}
	read := c.Load
	c.Store("s1")
	c.Store("s2")
	if got := read(); got != "s2" {
		t.Fatalf("Load() = %q, want s2", got)
	}
	if old := c.Swap("s3"); old != "s2" {
		t.Fatalf("Swap() = %q, want s2", old)
	}
}

func TestFormatRelatedContext(t *testing.T) {
	if got := formatRelatedContext(nil, 3); got != "" {
		t.Fatalf("formatRelatedContext(nil) = %q, want empty", got)
	}
	sessions := []memory.SavedSession{
		{Summary: "Exam week", Emotion: "stressed", KeyStressor: "exams", MicroStep: "study 20 minutes"},
		{Summary: "Slept badly", Emotion: " "},
		{Summary: "third"},
		{Summary: "fourth"},
	}
	got := formatRelatedContext(sessions, 3)
	want := "Relevant past context:\n" +
		"1) Summary: Exam week | Emotion: stressed | Stressor: exams | Micro step: study 20 minutes\n" +
		"2) Summary: Slept badly\n" +
		"3) Summary: third"
	if got != want {
		t.Fatalf("formatRelatedContext() = %q, want %q", got, want)
	}
	if strings.Contains(got, "fourth") {
		t.Fatalf("formatRelatedContext() ignored the limit")
	}
}
