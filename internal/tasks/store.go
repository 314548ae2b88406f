package tasks

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"nudge/internal/domain"
	"nudge/internal/worker"
)

// DefaultMaxPages caps how many result pages a single query follows.
const DefaultMaxPages = 10

// Doer issues one request against the remote store. *store.Client
// satisfies it.
type Doer interface {
	Do(ctx context.Context, method, path string, payload, out any) error
}

type Store struct {
	client     Doer
	databaseID string
	schema     Schema
	loc        *time.Location
	pool       *worker.Pool
	maxPages   int
}

func NewStore(client Doer, databaseID string, schema Schema, loc *time.Location, pool *worker.Pool) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{
		client:     client,
		databaseID: databaseID,
		schema:     schema,
		loc:        loc,
		pool:       pool,
		maxPages:   DefaultMaxPages,
	}
}

// ResetResult reports a partially successful reset batch.
type ResetResult struct {
	Matched int
	Reset   int
	Failed  []string
}

// FetchPending returns incomplete tasks that are on today's agenda: daily
// tasks, weekly tasks whose weekday set contains today, and one-off tasks
// due today.
func (s *Store) FetchPending(ctx context.Context, now time.Time) ([]domain.Task, error) {
	pages, err := s.queryAll(ctx, s.agendaFilter(now, false, true))
	if err != nil {
		log.Error().Err(err).Msg("fetch pending tasks failed")
		return nil, err
	}
	out := make([]domain.Task, 0, len(pages))
	for _, p := range pages {
		if p.ID == "" {
			continue
		}
		out = append(out, s.toTask(p))
	}
	log.Debug().Int("count", len(out)).Msg("fetched pending tasks")
	return out, nil
}

// MarkComplete sets the done flag. Setting the value a task already has
// writes nothing and still succeeds. Failures are logged and reported as
// false.
func (s *Store) MarkComplete(ctx context.Context, id string, done bool) bool {
	if id == "" {
		return false
	}
	var p page
	if err := s.client.Do(ctx, http.MethodGet, "pages/"+id, nil, &p); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("read task before completion update failed")
		return false
	}
	if p.Properties[s.schema.Done].Checkbox == done {
		log.Debug().Str("task_id", id).Bool("done", done).Msg("task already in requested state")
		return true
	}
	if err := s.patch(ctx, id, map[string]any{
		s.schema.Done: map[string]any{"checkbox": done},
	}); err != nil {
		log.Error().Err(err).Str("task_id", id).Bool("done", done).Msg("update task completion failed")
		return false
	}
	log.Info().Str("task_id", id).Bool("done", done).Msg("updated task completion")
	return true
}

// ResetRecurring reopens completed recurring tasks scheduled for today and
// clears their last-reminded time. One-off tasks never match. Per-task
// failures are collected and do not stop the batch; only a failed query
// returns an error.
func (s *Store) ResetRecurring(ctx context.Context, now time.Time) (ResetResult, error) {
	pages, err := s.queryAll(ctx, s.agendaFilter(now, true, false))
	if err != nil {
		log.Error().Err(err).Msg("query completed recurring tasks failed")
		return ResetResult{}, err
	}
	res := ResetResult{Matched: len(pages)}
	if len(pages) == 0 {
		log.Info().Msg("no completed recurring tasks to reset")
		return res, nil
	}

	errs := s.pool.Each(ctx, len(pages), func(ctx context.Context, i int) error {
		return s.patch(ctx, pages[i].ID, map[string]any{
			s.schema.Done:         map[string]any{"checkbox": false},
			s.schema.LastReminded: map[string]any{"date": nil},
		})
	})
	for i, err := range errs {
		if err != nil {
			log.Error().Err(err).Str("task_id", pages[i].ID).Msg("reset task failed")
			res.Failed = append(res.Failed, pages[i].ID)
			continue
		}
		res.Reset++
	}
	log.Info().Int("matched", res.Matched).Int("reset", res.Reset).Int("failed", len(res.Failed)).Msg("reset recurring tasks")
	return res, nil
}

// MarkReminded records at as the task's last reminder delivery.
func (s *Store) MarkReminded(ctx context.Context, id string, at time.Time) error {
	err := s.patch(ctx, id, map[string]any{
		s.schema.LastReminded: map[string]any{"date": map[string]any{"start": at.In(s.loc).Format(time.RFC3339)}},
	})
	if err != nil {
		return fmt.Errorf("mark task %s reminded: %w", id, err)
	}
	return nil
}

// CreateTask adds a one-off task due at due, with due's clock time as its
// specific reminder time.
func (s *Store) CreateTask(ctx context.Context, title string, due time.Time) (string, error) {
	due = due.In(s.loc)
	tod := domain.TimeOfDay{Hour: due.Hour(), Minute: due.Minute()}
	props := map[string]any{
		s.schema.Title: map[string]any{"title": []any{textRun(title)}},
		s.schema.Done:  map[string]any{"checkbox": false},
		s.schema.Due:   map[string]any{"date": map[string]any{"start": due.Format(time.RFC3339)}},
		s.schema.Time:  map[string]any{"rich_text": []any{textRun(tod.String())}},
	}
	if s.schema.RepeatNone != "" {
		props[s.schema.Repeat] = map[string]any{"select": map[string]any{"name": s.schema.RepeatNone}}
	}

	var created page
	err := s.client.Do(ctx, http.MethodPost, "pages", map[string]any{
		"parent":     map[string]any{"database_id": s.databaseID},
		"properties": props,
	}, &created)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	log.Info().Str("task_id", created.ID).Time("due", due).Msg("created task")
	return created.ID, nil
}

func textRun(content string) map[string]any {
	return map[string]any{"type": "text", "text": map[string]any{"content": content}}
}

func (s *Store) patch(ctx context.Context, id string, props map[string]any) error {
	return s.client.Do(ctx, http.MethodPatch, "pages/"+id, map[string]any{"properties": props}, nil)
}

// agendaFilter matches tasks with the given done flag that recur today.
// One-off tasks due today are included only when oneOff is set.
func (s *Store) agendaFilter(now time.Time, done, oneOff bool) Filter {
	today := now.In(s.loc)
	branches := []Filter{
		SelectEquals(s.schema.Repeat, s.schema.RepeatDaily),
		And(
			SelectEquals(s.schema.Repeat, s.schema.RepeatWeekly),
			MultiSelectContains(s.schema.Weekdays, s.schema.WeekdayNames[today.Weekday()]),
		),
	}
	if oneOff {
		repeatNone := SelectIsEmpty(s.schema.Repeat)
		if s.schema.RepeatNone != "" {
			repeatNone = SelectEquals(s.schema.Repeat, s.schema.RepeatNone)
		}
		branches = append(branches, And(repeatNone, DateEquals(s.schema.Due, today.Format("2006-01-02"))))
	}
	return And(Checkbox(s.schema.Done, done), Or(branches...))
}

// queryAll follows next_cursor until has_more is false, stopping after
// maxPages with a warning.
func (s *Store) queryAll(ctx context.Context, f Filter) ([]page, error) {
	path := "databases/" + s.databaseID + "/query"
	var (
		out    []page
		cursor string
	)
	for n := 0; n < s.maxPages; n++ {
		body := map[string]any{"filter": f}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var resp queryResponse
		if err := s.client.Do(ctx, http.MethodPost, path, body, &resp); err != nil {
			return nil, fmt.Errorf("query tasks (page %d): %w", n+1, err)
		}
		out = append(out, resp.Results...)
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			return out, nil
		}
		cursor = *resp.NextCursor
	}
	log.Warn().Int("max_pages", s.maxPages).Int("fetched", len(out)).Msg("stopped paging tasks at limit, results may be incomplete")
	return out, nil
}
