package activity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"nudge/internal/compose"
	"nudge/internal/domain"
	"nudge/internal/messenger"
	"nudge/internal/metrics"
)

type Outcome string

const (
	OutcomeOutsideWindow Outcome = "outside_window"
	OutcomeNoActivity    Outcome = "no_activity"
	OutcomeTooSoon       Outcome = "too_soon"
	OutcomeSent          Outcome = "sent"
	OutcomeFailed        Outcome = "failed"
)

// Notes supplies recent context for outreach messages. notes.Store
// satisfies it.
type Notes interface {
	RecentMemories(ctx context.Context, limit int) ([]string, error)
	RecentObservations(ctx context.Context, limit int) (string, error)
}

type Sender interface {
	Send(ctx context.Context, kind domain.DeliveryKind, subject, text string, action *messenger.Action) error
}

type Config struct {
	Interval      time.Duration
	WindowStart   int
	WindowEnd     int
	MinGap        time.Duration
	ErrorCooldown time.Duration
	Location      *time.Location
	Memories      int
	Observations  int
}

func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Minute,
		WindowStart:   11,
		WindowEnd:     1,
		MinGap:        12 * time.Hour,
		ErrorCooldown: 5 * time.Minute,
		Location:      time.Local,
		Memories:      3,
		Observations:  1,
	}
}

// Monitor decides on each tick whether the agent should reach out first.
type Monitor struct {
	cfg     Config
	state   *State
	notes   Notes
	gen     compose.Generator
	sender  Sender
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewMonitor builds a Monitor. notes and gen may be nil.
func NewMonitor(cfg Config, state *State, notes Notes, gen compose.Generator, sender Sender, m *metrics.Metrics) *Monitor {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if gen == nil {
		gen = compose.TemplateComposer{}
	}
	return &Monitor{cfg: cfg, state: state, notes: notes, gen: gen, sender: sender, metrics: m, now: time.Now}
}

// InWindow reports whether hour falls in [start, end). When start > end the
// window wraps past midnight.
func InWindow(hour, start, end int) bool {
	if start > end {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

// Tick runs one outreach check. The gap is measured from the later of the
// last user activity and the last successful outreach, so one quiet period
// yields at most one message per MinGap.
func (m *Monitor) Tick(ctx context.Context) (Outcome, error) {
	outcome, err := m.tick(ctx)
	m.metrics.OutreachTick(string(outcome))
	return outcome, err
}

func (m *Monitor) tick(ctx context.Context) (Outcome, error) {
	now := m.now().In(m.cfg.Location)
	if !InWindow(now.Hour(), m.cfg.WindowStart, m.cfg.WindowEnd) {
		return OutcomeOutsideWindow, nil
	}
	last, ok := m.state.LastActive()
	if !ok {
		return OutcomeNoActivity, nil
	}
	gap := now.Sub(last)
	if sent, ok := m.state.LastOutreach(); ok && sent.After(last) {
		if since := now.Sub(sent); since < m.cfg.MinGap {
			log.Debug().Dur("since_outreach", since).Msg("outreach already sent for this quiet period")
			return OutcomeTooSoon, nil
		}
	}
	if gap < m.cfg.MinGap {
		return OutcomeTooSoon, nil
	}

	memories, observations := m.context(ctx)
	hours := gap.Hours()
	text, err := m.gen.ProactiveMessage(ctx, hours, memories, observations)
	if err != nil || strings.TrimSpace(text) == "" {
		log.Warn().Err(err).Msg("outreach generation failed, using template")
		text, _ = compose.TemplateComposer{}.ProactiveMessage(ctx, hours, memories, observations)
	}

	if err := m.sender.Send(ctx, domain.DeliveryOutreach, "inactivity", text, nil); err != nil {
		return OutcomeFailed, fmt.Errorf("send outreach: %w", err)
	}
	m.state.RecordOutreach(now)
	log.Info().Float64("gap_hours", hours).Msg("sent proactive outreach")
	return OutcomeSent, nil
}

func (m *Monitor) context(ctx context.Context) ([]string, string) {
	if m.notes == nil {
		return nil, ""
	}
	memories, err := m.notes.RecentMemories(ctx, m.cfg.Memories)
	if err != nil {
		log.Warn().Err(err).Msg("fetch memories failed, continuing without")
		memories = nil
	}
	observations, err := m.notes.RecentObservations(ctx, m.cfg.Observations)
	if err != nil {
		log.Warn().Err(err).Msg("fetch observations failed, continuing without")
		observations = ""
	}
	return memories, observations
}

// Run waits for ready, then ticks every Interval until ctx is done. A
// failed tick pauses the loop for ErrorCooldown.
func (m *Monitor) Run(ctx context.Context, ready <-chan struct{}) error {
	if ready != nil {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil
		}
	}
	log.Info().
		Dur("interval", m.cfg.Interval).
		Int("window_start", m.cfg.WindowStart).
		Int("window_end", m.cfg.WindowEnd).
		Dur("min_gap", m.cfg.MinGap).
		Msg("inactivity monitor started")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("inactivity monitor stopped")
			return nil
		case <-ticker.C:
		}

		outcome, err := m.safeTick(ctx)
		if err == nil {
			log.Debug().Str("outcome", string(outcome)).Msg("inactivity check")
			continue
		}
		if ctx.Err() != nil {
			continue
		}
		log.Error().Err(err).Dur("cooldown", m.cfg.ErrorCooldown).Msg("inactivity check failed")
		pause := time.NewTimer(m.cfg.ErrorCooldown)
		select {
		case <-ctx.Done():
			pause.Stop()
			log.Info().Msg("inactivity monitor stopped")
			return nil
		case <-pause.C:
		}
	}
}

func (m *Monitor) safeTick(ctx context.Context) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = OutcomeFailed, fmt.Errorf("panic: %v", r)
		}
	}()
	return m.Tick(ctx)
}
