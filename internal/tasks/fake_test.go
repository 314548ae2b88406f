package tasks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nudge/internal/store"
	"nudge/internal/worker"
)

// fakeStore is an in-memory stand-in for the remote database. It evaluates
// query predicate trees and pages results pageSize at a time.
type fakeStore struct {
	t        *testing.T
	mu       sync.Mutex
	order    []string
	pages    map[string]map[string]any
	pageSize int

	queries   int
	patches   []string
	failPatch map[string]bool
	failQuery bool
}

func newFakeStore(t *testing.T) *fakeStore {
	return &fakeStore{t: t, pages: map[string]map[string]any{}, pageSize: 2, failPatch: map[string]bool{}}
}

func (f *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	var body map[string]any
	if r.Body != nil && r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	switch {
	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "databases" && parts[2] == "query":
		f.query(w, body)
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "pages":
		props, ok := f.pages[parts[1]]
		if !ok {
			writeErr(w, http.StatusNotFound, "object_not_found")
			return
		}
		writeJSON(w, map[string]any{"id": parts[1], "properties": props})
	case r.Method == http.MethodPatch && len(parts) == 2 && parts[0] == "pages":
		id := parts[1]
		props, ok := f.pages[id]
		if !ok {
			writeErr(w, http.StatusNotFound, "object_not_found")
			return
		}
		if f.failPatch[id] {
			writeErr(w, http.StatusBadRequest, "validation_error")
			return
		}
		f.patches = append(f.patches, id)
		for k, v := range body["properties"].(map[string]any) {
			props[k] = normalizeProp(v)
		}
		writeJSON(w, map[string]any{"id": id, "properties": props})
	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "pages":
		id := "created-" + strconv.Itoa(len(f.order))
		props := map[string]any{}
		for k, v := range body["properties"].(map[string]any) {
			props[k] = normalizeProp(v)
		}
		f.order = append(f.order, id)
		f.pages[id] = props
		writeJSON(w, map[string]any{"id": id, "properties": props})
	default:
		writeErr(w, http.StatusBadRequest, "invalid_request_url")
	}
}

func (f *fakeStore) query(w http.ResponseWriter, body map[string]any) {
	f.queries++
	if f.failQuery {
		writeErr(w, http.StatusBadRequest, "validation_error")
		return
	}
	filter, _ := body["filter"].(map[string]any)
	var matched []map[string]any
	for _, id := range f.order {
		if filter == nil || f.match(filter, f.pages[id]) {
			matched = append(matched, map[string]any{"id": id, "properties": f.pages[id]})
		}
	}

	start := 0
	if c, ok := body["start_cursor"].(string); ok {
		start, _ = strconv.Atoi(c)
	}
	end := start + f.pageSize
	resp := map[string]any{"has_more": false, "next_cursor": nil}
	if end < len(matched) {
		resp["has_more"] = true
		resp["next_cursor"] = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	if start > end {
		start = end
	}
	resp["results"] = matched[start:end]
	writeJSON(w, resp)
}

func (f *fakeStore) match(filter, props map[string]any) bool {
	if subs, ok := filter["and"].([]any); ok {
		for _, s := range subs {
			if !f.match(s.(map[string]any), props) {
				return false
			}
		}
		return true
	}
	if subs, ok := filter["or"].([]any); ok {
		for _, s := range subs {
			if f.match(s.(map[string]any), props) {
				return true
			}
		}
		return false
	}

	p, _ := props[filter["property"].(string)].(map[string]any)
	switch {
	case filter["checkbox"] != nil:
		cond := filter["checkbox"].(map[string]any)
		b, _ := p["checkbox"].(bool)
		return b == cond["equals"].(bool)
	case filter["select"] != nil:
		cond := filter["select"].(map[string]any)
		name := ""
		if sel, ok := p["select"].(map[string]any); ok {
			name, _ = sel["name"].(string)
		}
		if cond["is_empty"] == true {
			return name == ""
		}
		return name == cond["equals"]
	case filter["multi_select"] != nil:
		cond := filter["multi_select"].(map[string]any)
		opts, _ := p["multi_select"].([]any)
		for _, o := range opts {
			if o.(map[string]any)["name"] == cond["contains"] {
				return true
			}
		}
		return false
	case filter["date"] != nil:
		cond := filter["date"].(map[string]any)
		start := ""
		if d, ok := p["date"].(map[string]any); ok {
			start, _ = d["start"].(string)
		}
		return len(start) >= 10 && start[:10] == cond["equals"]
	}
	f.t.Errorf("unsupported filter node: %v", filter)
	return false
}

// normalizeProp fills plain_text on written rich text runs the way the real
// store does on read.
func normalizeProp(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for _, key := range []string{"title", "rich_text"} {
		runs, ok := m[key].([]any)
		if !ok {
			continue
		}
		for _, r := range runs {
			run := r.(map[string]any)
			if text, ok := run["text"].(map[string]any); ok {
				run["plain_text"] = text["content"]
			}
		}
	}
	return m
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code string) {
	w.WriteHeader(status)
	writeJSON(w, map[string]any{"code": code, "message": code})
}

// taskSpec describes a seeded page in domain terms.
type taskSpec struct {
	title        string
	done         bool
	repeat       string
	weekdays     []string
	at           string
	block        string
	due          string
	lastReminded string
}

func (f *fakeStore) add(id string, ts taskSpec) {
	s := DefaultSchema()
	props := map[string]any{
		s.Title:        map[string]any{"title": []any{map[string]any{"plain_text": ts.title}}},
		s.Done:         map[string]any{"checkbox": ts.done},
		s.Repeat:       map[string]any{"select": nil},
		s.Weekdays:     map[string]any{"multi_select": []any{}},
		s.Time:         map[string]any{"rich_text": []any{}},
		s.TimeBlock:    map[string]any{"select": nil},
		s.Due:          map[string]any{"date": nil},
		s.LastReminded: map[string]any{"date": nil},
	}
	if ts.repeat != "" {
		props[s.Repeat] = map[string]any{"select": map[string]any{"name": ts.repeat}}
	}
	var days []any
	for _, d := range ts.weekdays {
		days = append(days, map[string]any{"name": d})
	}
	if days != nil {
		props[s.Weekdays] = map[string]any{"multi_select": days}
	}
	if ts.at != "" {
		props[s.Time] = map[string]any{"rich_text": []any{map[string]any{"plain_text": ts.at}}}
	}
	if ts.block != "" {
		props[s.TimeBlock] = map[string]any{"select": map[string]any{"name": ts.block}}
	}
	if ts.due != "" {
		props[s.Due] = map[string]any{"date": map[string]any{"start": ts.due}}
	}
	if ts.lastReminded != "" {
		props[s.LastReminded] = map[string]any{"date": map[string]any{"start": ts.lastReminded}}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, id)
	f.pages[id] = props
}

func (f *fakeStore) failPatchOn(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPatch[id] = true
}

func (f *fakeStore) failQueries() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failQuery = true
}

func (f *fakeStore) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *fakeStore) patched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.patches...)
}

func (f *fakeStore) done(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := f.pages[id][DefaultSchema().Done].(map[string]any)["checkbox"].(bool)
	return b
}

func (f *fakeStore) lastReminded(id string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[id][DefaultSchema().LastReminded].(map[string]any)["date"]
}

var seoul = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		panic(err)
	}
	return loc
}()

func newTestStore(t *testing.T) (*Store, *fakeStore) {
	t.Helper()
	fake := newFakeStore(t)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := store.New(store.Options{BaseURL: srv.URL, Token: "test"}, nil)
	t.Cleanup(func() { require.NoError(t, client.Close()) })
	return NewStore(client, "todo-db", DefaultSchema(), seoul, worker.NewPool(4)), fake
}
