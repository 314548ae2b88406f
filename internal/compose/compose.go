// Package compose produces the wording of outbound messages.
package compose

import (
	"context"
	"fmt"
	"strings"

	"nudge/internal/domain"
)

// Generator writes message text. Implementations may call a language model;
// callers fall back to TemplateComposer when one fails.
type Generator interface {
	ReminderText(ctx context.Context, title string) (string, error)
	TimeBlockSummary(ctx context.Context, block domain.TimeBlock, titles []string) (string, error)
	ProactiveMessage(ctx context.Context, gapHours float64, memories []string, observations string) (string, error)
	CheckIn(ctx context.Context, slot string) (string, error)
}

// TemplateComposer is a deterministic Generator.
type TemplateComposer struct{}

var _ Generator = TemplateComposer{}

func (TemplateComposer) ReminderText(_ context.Context, title string) (string, error) {
	return fmt.Sprintf("Reminder: it's time for \"%s\".", title), nil
}

var blockLabels = map[domain.TimeBlock]string{
	domain.BlockMorning:     "this morning",
	domain.BlockNoon:        "by noon",
	domain.BlockEvening:     "this evening",
	domain.BlockNight:       "tonight",
	domain.BlockUnspecified: "today",
}

func (TemplateComposer) TimeBlockSummary(_ context.Context, block domain.TimeBlock, titles []string) (string, error) {
	label, ok := blockLabels[block]
	if !ok {
		label = "today"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Still open %s:", label)
	for _, t := range titles {
		b.WriteString("\n- ")
		b.WriteString(t)
	}
	return b.String(), nil
}

func (TemplateComposer) ProactiveMessage(_ context.Context, gapHours float64, memories []string, _ string) (string, error) {
	msg := fmt.Sprintf("Hey, it's been about %.0f hours. How are you doing?", gapHours)
	if len(memories) > 0 {
		msg += fmt.Sprintf(" Last time you mentioned %s.", memories[0])
	}
	return msg, nil
}

var checkIns = map[string]string{
	"morning": "Good morning! What's on your plate today?",
	"noon":    "Lunch time. Did you get a break?",
	"evening": "How did the day go?",
	"night":   "Winding down? Sleep well when you get there.",
}

func (TemplateComposer) CheckIn(_ context.Context, slot string) (string, error) {
	if msg, ok := checkIns[slot]; ok {
		return msg, nil
	}
	return "Just checking in.", nil
}
