package reminder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"nudge/internal/compose"
	"nudge/internal/domain"
	"nudge/internal/messenger"
)

type TaskStore interface {
	FetchPending(ctx context.Context, now time.Time) ([]domain.Task, error)
	MarkReminded(ctx context.Context, id string, at time.Time) error
}

type Sender interface {
	Send(ctx context.Context, kind domain.DeliveryKind, subject, text string, action *messenger.Action) error
}

type Config struct {
	Cooldown time.Duration
	Location *time.Location
}

// Result counts the messages of one pass.
type Result struct {
	Sent   int
	Failed int
}

// Dispatcher turns pending tasks into reminders. Passes for the same mode
// must not overlap; the scheduler guarantees that per job.
type Dispatcher struct {
	cfg    Config
	tasks  TaskStore
	gen    compose.Generator
	sender Sender
	now    func() time.Time

	// Delivery times not yet persisted to the store, so a failed
	// MarkReminded cannot cause a repeat inside the cooldown.
	mu      sync.Mutex
	pending map[string]time.Time
}

func NewDispatcher(cfg Config, tasks TaskStore, gen compose.Generator, sender Sender) *Dispatcher {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 3 * time.Hour
	}
	if gen == nil {
		gen = compose.TemplateComposer{}
	}
	return &Dispatcher{
		cfg:     cfg,
		tasks:   tasks,
		gen:     gen,
		sender:  sender,
		now:     time.Now,
		pending: make(map[string]time.Time),
	}
}

// CheckSpecificTime sends one reminder per task whose time of day has
// passed and whose cooldown has elapsed. Only a failed fetch is returned
// as an error.
func (d *Dispatcher) CheckSpecificTime(ctx context.Context) (Result, error) {
	now := d.now().In(d.cfg.Location)
	d.prunePending(now)
	pending, err := d.tasks.FetchPending(ctx, now)
	if err != nil {
		return Result{}, fmt.Errorf("fetch pending: %w", err)
	}

	var res Result
	for _, t := range pending {
		if t.SpecificTime == nil || now.Before(t.SpecificTime.On(now)) {
			continue
		}
		if st := SpecificTimeState(d.lastReminded(t), d.cfg.Cooldown); !st.EligibleAt(now) {
			log.Debug().Str("task_id", t.ID).Time("until", st.Until).Msg("reminder suppressed")
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		text := d.reminderText(ctx, t.Title)
		action := &messenger.Action{ID: "mark_done", Label: "Done", TaskID: t.ID}
		if err := d.sender.Send(ctx, domain.DeliveryReminder, t.ID, text, action); err != nil {
			res.Failed++
			continue
		}
		res.Sent++
		d.markReminded(ctx, t.ID, now)
	}
	if res.Sent+res.Failed > 0 {
		log.Info().Int("sent", res.Sent).Int("failed", res.Failed).Msg("specific-time reminders")
	}
	return res, nil
}

// SendTimeBlock sends one summary of the tasks without a specific time
// whose block is at or before block and that are not suppressed.
func (d *Dispatcher) SendTimeBlock(ctx context.Context, block domain.TimeBlock) (Result, error) {
	if block != domain.BlockUnspecified && domain.BlockIndex(block) < 0 {
		return Result{}, fmt.Errorf("unknown time block %q", block)
	}
	now := d.now().In(d.cfg.Location)
	d.prunePending(now)
	pending, err := d.tasks.FetchPending(ctx, now)
	if err != nil {
		return Result{}, fmt.Errorf("fetch pending: %w", err)
	}

	var included []domain.Task
	for _, t := range pending {
		if t.SpecificTime != nil || !inBatch(t.TimeBlock, block) {
			continue
		}
		if !TimeBlockState(d.lastReminded(t), d.cfg.Cooldown, d.cfg.Location).EligibleAt(now) {
			continue
		}
		included = append(included, t)
	}
	if len(included) == 0 {
		log.Info().Str("block", string(block)).Msg("no tasks for time-block reminder")
		return Result{}, nil
	}

	titles := make([]string, len(included))
	for i, t := range included {
		titles[i] = t.Title
	}
	text, err := d.gen.TimeBlockSummary(ctx, block, titles)
	if err != nil || strings.TrimSpace(text) == "" {
		log.Warn().Err(err).Str("block", string(block)).Msg("summary generation failed, using template")
		text, _ = compose.TemplateComposer{}.TimeBlockSummary(ctx, block, titles)
	}

	if err := d.sender.Send(ctx, domain.DeliveryTimeBlock, string(block), text, nil); err != nil {
		return Result{Failed: 1}, nil
	}
	for _, t := range included {
		d.markReminded(ctx, t.ID, now)
	}
	log.Info().Str("block", string(block)).Int("tasks", len(included)).Msg("sent time-block reminder")
	return Result{Sent: 1}, nil
}

// SendCheckIn sends the scheduled greeting for slot.
func (d *Dispatcher) SendCheckIn(ctx context.Context, slot string) error {
	text, err := d.gen.CheckIn(ctx, slot)
	if err != nil || strings.TrimSpace(text) == "" {
		log.Warn().Err(err).Str("slot", slot).Msg("check-in generation failed, using template")
		text, _ = compose.TemplateComposer{}.CheckIn(ctx, slot)
	}
	return d.sender.Send(ctx, domain.DeliveryCheckIn, slot, text, nil)
}

func (d *Dispatcher) reminderText(ctx context.Context, title string) string {
	text, err := d.gen.ReminderText(ctx, title)
	if err != nil || strings.TrimSpace(text) == "" {
		log.Warn().Err(err).Str("title", title).Msg("reminder generation failed, using template")
		text, _ = compose.TemplateComposer{}.ReminderText(ctx, title)
	}
	return text
}

// lastReminded is the later of the stored time and an unpersisted local one.
func (d *Dispatcher) lastReminded(t domain.Task) *time.Time {
	d.mu.Lock()
	local, ok := d.pending[t.ID]
	d.mu.Unlock()
	if !ok {
		return t.LastRemindedAt
	}
	if t.LastRemindedAt != nil && !t.LastRemindedAt.Before(local) {
		d.mu.Lock()
		delete(d.pending, t.ID)
		d.mu.Unlock()
		return t.LastRemindedAt
	}
	return &local
}

// prunePending forgets local marks older than any suppression window, which
// covers tasks completed or deleted before their mark was persisted.
func (d *Dispatcher) prunePending(now time.Time) {
	horizon := d.cfg.Cooldown + 24*time.Hour
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, at := range d.pending {
		if now.Sub(at) > horizon {
			delete(d.pending, id)
		}
	}
}

func (d *Dispatcher) markReminded(ctx context.Context, id string, at time.Time) {
	if err := d.tasks.MarkReminded(ctx, id, at); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("failed to record reminder time")
		d.mu.Lock()
		d.pending[id] = at
		d.mu.Unlock()
	}
}
