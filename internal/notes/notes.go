// Package notes reads the agent's recent memories and observations from the
// remote store. They are background context for proactive messages.
package notes

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"nudge/internal/worker"
)

type Doer interface {
	Do(ctx context.Context, method, path string, payload, out any) error
}

type Schema struct {
	MemoryText      string
	MemoryDate      string
	ObservationDate string
}

func DefaultSchema() Schema {
	return Schema{MemoryText: "기억 내용", MemoryDate: "날짜", ObservationDate: "날짜"}
}

type Store struct {
	client        Doer
	memoryDB      string
	observationDB string
	schema        Schema
	pool          *worker.Pool
}

// NewStore returns a Store. An empty database ID disables that source.
func NewStore(client Doer, memoryDB, observationDB string, schema Schema, pool *worker.Pool) *Store {
	return &Store{client: client, memoryDB: memoryDB, observationDB: observationDB, schema: schema, pool: pool}
}

type richText struct {
	PlainText string `json:"plain_text"`
}

type notePage struct {
	ID         string `json:"id"`
	Properties map[string]struct {
		Title []richText `json:"title"`
	} `json:"properties"`
}

// RecentMemories returns up to limit memory summaries, newest first.
func (s *Store) RecentMemories(ctx context.Context, limit int) ([]string, error) {
	if s.memoryDB == "" {
		return nil, nil
	}
	pages, err := s.latest(ctx, s.memoryDB, s.schema.MemoryDate, limit)
	if err != nil {
		return nil, fmt.Errorf("recent memories: %w", err)
	}
	var out []string
	for _, p := range pages {
		var b strings.Builder
		for _, rt := range p.Properties[s.schema.MemoryText].Title {
			b.WriteString(rt.PlainText)
		}
		if text := strings.TrimSpace(b.String()); text != "" {
			out = append(out, text)
		}
	}
	return out, nil
}

// RecentObservations returns the body text of up to limit observation pages
// in chronological order, separated by horizontal rules. Pages whose blocks
// cannot be read are skipped.
func (s *Store) RecentObservations(ctx context.Context, limit int) (string, error) {
	if s.observationDB == "" {
		return "", nil
	}
	pages, err := s.latest(ctx, s.observationDB, s.schema.ObservationDate, limit)
	if err != nil {
		return "", fmt.Errorf("recent observations: %w", err)
	}

	texts := make([]string, len(pages))
	errs := s.pool.Each(ctx, len(pages), func(ctx context.Context, i int) error {
		var resp struct {
			Results []map[string]any `json:"results"`
		}
		if err := s.client.Do(ctx, http.MethodGet, "blocks/"+pages[i].ID+"/children", nil, &resp); err != nil {
			return err
		}
		texts[i] = renderBlocks(resp.Results)
		return nil
	})

	var parts []string
	for i := len(pages) - 1; i >= 0; i-- {
		if errs[i] != nil {
			log.Warn().Err(errs[i]).Str("page_id", pages[i].ID).Msg("skipping unreadable observation")
			continue
		}
		if texts[i] != "" {
			parts = append(parts, texts[i])
		}
	}
	return strings.Join(parts, "\n\n---\n\n"), nil
}

func (s *Store) latest(ctx context.Context, db, dateProp string, limit int) ([]notePage, error) {
	var resp struct {
		Results []notePage `json:"results"`
	}
	err := s.client.Do(ctx, http.MethodPost, "databases/"+db+"/query", map[string]any{
		"page_size": limit,
		"sorts":     []any{map[string]any{"property": dateProp, "direction": "descending"}},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) > limit {
		resp.Results = resp.Results[:limit]
	}
	return resp.Results, nil
}

// renderBlocks flattens a page's child blocks to text, marking headings.
func renderBlocks(blocks []map[string]any) string {
	var b strings.Builder
	for _, blk := range blocks {
		typ, _ := blk["type"].(string)
		content, _ := blk[typ].(map[string]any)
		runs, _ := content["rich_text"].([]any)
		var line strings.Builder
		for _, r := range runs {
			if run, ok := r.(map[string]any); ok {
				text, _ := run["plain_text"].(string)
				line.WriteString(text)
			}
		}
		if line.Len() == 0 {
			continue
		}
		if strings.HasPrefix(typ, "heading") {
			b.WriteString("## ")
		}
		b.WriteString(line.String())
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
