package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/basket/organizer/internal/bus"
	"github.com/basket/organizer/internal/persistence"
)

const maxCandidates = 5

// resolveTask finds the task a command refers to. When the reference is
// missing, unknown or ambiguous it returns the response to send instead.
// Lookup order: task_id, task_ref.chosen_id, task_ref.candidates,
// task_ref.text, then title when useTitle is set.
func (e *Engine) resolveTask(ctx context.Context, ents Entities, useTitle bool) (persistence.Task, *Response, error) {
	if id, ok := ents.Int("task_id"); ok {
		return e.taskByID(ctx, id)
	}

	ref := ents.Map("task_ref")
	if ref == nil {
		// A bare string or number under task_ref is treated as its text.
		if s := ents.String("task_ref"); s != "" {
			ref = Entities{"text": s}
		}
	}
	if ref != nil {
		if id, ok := ref.Int("chosen_id"); ok {
			return e.taskByID(ctx, id)
		}
		if ids := candidateIDs(ref["candidates"]); len(ids) > 0 {
			return e.pickFromIDs(ctx, ids)
		}
		if text := ref.String("text"); text != "" {
			return e.searchTasks(ctx, text)
		}
	}
	if useTitle {
		if text := ents.String("title"); text != "" {
			return e.searchTasks(ctx, text)
		}
	}
	r := clarify("Which task do you mean?")
	return persistence.Task{}, &r, nil
}

func (e *Engine) taskByID(ctx context.Context, id int64) (persistence.Task, *Response, error) {
	task, err := e.store.GetTask(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		r := failure(CodeNotFound, "task #%d not found", id)
		return persistence.Task{}, &r, nil
	}
	if err != nil {
		return persistence.Task{}, nil, err
	}
	return task, nil, nil
}

func (e *Engine) pickFromIDs(ctx context.Context, ids []int64) (persistence.Task, *Response, error) {
	var found []persistence.Task
	for _, id := range ids {
		if len(found) == maxCandidates {
			break
		}
		task, err := e.store.GetTask(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			return persistence.Task{}, nil, err
		}
		found = append(found, task)
	}
	return e.choose(found, "")
}

func (e *Engine) searchTasks(ctx context.Context, text string) (persistence.Task, *Response, error) {
	if n, err := strconv.ParseInt(trimHash(text), 10, 64); err == nil {
		return e.taskByID(ctx, n)
	}
	found, err := e.store.FindTaskCandidates(ctx, text, maxCandidates)
	if err != nil {
		return persistence.Task{}, nil, err
	}
	return e.choose(found, text)
}

func (e *Engine) choose(found []persistence.Task, text string) (persistence.Task, *Response, error) {
	switch len(found) {
	case 0:
		r := failure(CodeNotFound, "task not found")
		if text != "" {
			r = failure(CodeNotFound, "no open task matches %q", text)
		}
		return persistence.Task{}, &r, nil
	case 1:
		return found[0], nil, nil
	}
	choices := make([]bus.Choice, 0, len(found))
	for _, t := range found {
		choices = append(choices, bus.Choice{ID: strconv.FormatInt(t.ID, 10), Label: e.taskLabel(t)})
	}
	r := clarify("Which task do you mean?", choices...)
	return persistence.Task{}, &r, nil
}

func (e *Engine) taskLabel(t persistence.Task) string {
	if t.PlannedAt == nil {
		return fmt.Sprintf("%s (unplanned)", t.Title)
	}
	return fmt.Sprintf("%s (%s)", t.Title, e.localTime(*t.PlannedAt))
}

func (e *Engine) localTime(t time.Time) string {
	return t.In(e.store.Location()).Format("2006-01-02 15:04")
}

func candidateIDs(v any) []int64 {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var ids []int64
	for _, item := range list {
		switch c := item.(type) {
		case map[string]any:
			if id, ok := Entities(c).Int("id"); ok {
				ids = append(ids, id)
			}
		default:
			if id, ok := (Entities{"id": c}).Int("id"); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func trimHash(s string) string {
	if len(s) > 0 && s[0] == '#' {
		return s[1:]
	}
	return s
}
