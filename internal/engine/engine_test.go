package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubudusj/spelling-game-backend/internal/store"
	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// memoryRunLog captures run rows and events in memory for assertions.
type memoryRunLog struct {
	mu     sync.Mutex
	runs   map[string]*store.Run
	events []*store.RunEvent
}

func newMemoryRunLog() *memoryRunLog {
	return &memoryRunLog{runs: make(map[string]*store.Run)}
}

func (m *memoryRunLog) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *memoryRunLog) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return flow.NewErrorf(flow.ErrCodeNotFound, "run %s not found", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Output != nil {
		run.Output = update.Output
	}
	if update.Error != nil {
		run.Error = *update.Error
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	return nil
}

func (m *memoryRunLog) AppendRunEvent(_ context.Context, ev *store.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memoryRunLog) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, len(m.events))
	for i, ev := range m.events {
		types[i] = ev.Type
	}
	return types
}

func newTestEngine(t *testing.T, registry *Registry, runLog RunLogger) *Engine {
	t.Helper()
	e, err := New(registry, runLog, nil)
	require.NoError(t, err)
	return e
}

func TestExecuteLinearTaskGraph(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("double", func(_ context.Context, doc flow.Document) (any, error) {
		v, _ := doc.Get("n")
		return v.(float64) * 2, nil
	}))

	g := &flow.Graph{
		Name:    "linear",
		StartAt: "compute",
		States: map[string]*flow.State{
			"compute": {Type: flow.StateTask, Resource: "double", ResultPath: "result", Next: "done"},
			"done":    {Type: flow.StateSucceed},
		},
	}

	runLog := newMemoryRunLog()
	e := newTestEngine(t, registry, runLog)

	res, err := e.Execute(context.Background(), g, flow.Document{"n": float64(21)})
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusSucceeded, res.Status)
	v, ok := res.Output.Get("result")
	require.True(t, ok)
	assert.Equal(t, float64(42), v)

	run := runLog.runs[res.RunID]
	require.NotNil(t, run)
	assert.Equal(t, flow.RunStatusSucceeded, run.Status)
	assert.Contains(t, runLog.eventTypes(), flow.EventRunSucceeded)
}

func TestExecuteDoesNotMutateInput(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("mutate", func(_ context.Context, doc flow.Document) (any, error) {
		return "changed", nil
	}))

	g := &flow.Graph{
		Name:    "isolation",
		StartAt: "t",
		States: map[string]*flow.State{
			"t":    {Type: flow.StateTask, Resource: "mutate", ResultPath: "field", Next: "done"},
			"done": {Type: flow.StateSucceed},
		},
	}

	input := flow.Document{"field": "original"}
	e := newTestEngine(t, registry, nil)

	res, err := e.Execute(context.Background(), g, input)
	require.NoError(t, err)
	assert.Equal(t, "original", input["field"])
	out, _ := res.Output.Get("field")
	assert.Equal(t, "changed", out)
}

func TestExecuteRejectsInvalidGraph(t *testing.T) {
	e := newTestEngine(t, NewRegistry(), nil)
	_, err := e.Execute(context.Background(), &flow.Graph{Name: "bad"}, flow.Document{})
	require.Error(t, err)
	var fe *flow.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, flow.ErrCodeValidation, fe.Code)
}

// Poll loop: a wait/check cycle driven by a choice predicate. The status
// handler reports pending twice, then completed; the run must pass through
// the wait state exactly twice.
func TestExecutePollLoopTerminates(t *testing.T) {
	var calls atomic.Int32
	statuses := []string{"Pending", "Pending", "Completed"}

	registry := NewRegistry()
	require.NoError(t, registry.Register("check", func(_ context.Context, doc flow.Document) (any, error) {
		i := calls.Add(1) - 1
		return map[string]any{"status": statuses[i]}, nil
	}))

	g := &flow.Graph{
		Name:    "poll",
		StartAt: "check",
		States: map[string]*flow.State{
			"check": {Type: flow.StateTask, Resource: "check", ResultPath: "job", Next: "decide"},
			"decide": {
				Type: flow.StateChoice,
				Choices: []flow.ChoiceRule{
					{When: `doc.job.status == "Completed"`, Next: "done"},
					{When: `doc.job.status == "Failed"`, Next: "failed"},
				},
				Otherwise: "wait",
			},
			"wait":   {Type: flow.StateWait, Duration: time.Millisecond, Next: "check"},
			"done":   {Type: flow.StateSucceed},
			"failed": {Type: flow.StateFail, Error: flow.ErrCodeStateFailed},
		},
	}

	e := newTestEngine(t, registry, nil)
	res, err := e.Execute(context.Background(), g, flow.Document{})
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusSucceeded, res.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecutePollLoopFailureBranch(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("check", func(_ context.Context, _ flow.Document) (any, error) {
		return map[string]any{"status": "Failed"}, nil
	}))

	g := &flow.Graph{
		Name:    "poll-fail",
		StartAt: "check",
		States: map[string]*flow.State{
			"check": {Type: flow.StateTask, Resource: "check", ResultPath: "job", Next: "decide"},
			"decide": {
				Type: flow.StateChoice,
				Choices: []flow.ChoiceRule{
					{When: `doc.job.status == "Completed"`, Next: "done"},
					{When: `doc.job.status == "Failed"`, Next: "failed"},
				},
				Otherwise: "wait",
			},
			"wait":   {Type: flow.StateWait, Duration: time.Millisecond, Next: "check"},
			"done":   {Type: flow.StateSucceed},
			"failed": {Type: flow.StateFail, Error: flow.ErrCodeStateFailed},
		},
	}

	e := newTestEngine(t, registry, nil)
	res, err := e.Execute(context.Background(), g, flow.Document{})
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, flow.ErrCodeStateFailed, res.Error.Code)
	assert.Equal(t, "failed", res.Error.StateID)
}

func TestExecuteChoiceDefaultBranch(t *testing.T) {
	g := &flow.Graph{
		Name:    "choice-default",
		StartAt: "decide",
		States: map[string]*flow.State{
			"decide": {
				Type:      flow.StateChoice,
				Choices:   []flow.ChoiceRule{{When: `doc.kind == "x"`, Next: "done"}},
				Otherwise: "fallback",
			},
			"done":     {Type: flow.StateSucceed},
			"fallback": {Type: flow.StatePass, Transform: `{took: "default"}`, Next: "done"},
		},
	}

	e := newTestEngine(t, NewRegistry(), nil)
	res, err := e.Execute(context.Background(), g, flow.Document{"kind": "y"})
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusSucceeded, res.Status)
	v, _ := res.Output.Get("took")
	assert.Equal(t, "default", v)
}

func TestExecuteChoiceExprLanguage(t *testing.T) {
	g := &flow.Graph{
		Name:    "choice-expr",
		StartAt: "decide",
		States: map[string]*flow.State{
			"decide": {
				Type: flow.StateChoice,
				Choices: []flow.ChoiceRule{
					{When: `doc.count > 3`, Language: "expr", Next: "big"},
				},
				Otherwise: "small",
			},
			"big":   {Type: flow.StateSucceed},
			"small": {Type: flow.StateFail},
		},
	}

	e := newTestEngine(t, NewRegistry(), nil)
	res, err := e.Execute(context.Background(), g, flow.Document{"count": 5})
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusSucceeded, res.Status)
}

func TestExecuteTaskCatchDivertsAndRecordsError(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("boom", func(_ context.Context, _ flow.Document) (any, error) {
		return nil, flow.NewError(flow.ErrCodeExecution, "upstream unavailable")
	}))
	require.NoError(t, registry.Register("report", func(_ context.Context, doc flow.Document) (any, error) {
		return "reported", nil
	}))

	g := &flow.Graph{
		Name:    "catch",
		StartAt: "call",
		States: map[string]*flow.State{
			"call": {
				Type: flow.StateTask, Resource: "boom", Next: "done",
				Catch: &flow.Catch{Next: "notify", ResultPath: "failure"},
			},
			"notify": {Type: flow.StateTask, Resource: "report", ResultPath: "report", Next: "done"},
			"done":   {Type: flow.StateSucceed},
		},
	}

	runLog := newMemoryRunLog()
	e := newTestEngine(t, registry, runLog)
	res, err := e.Execute(context.Background(), g, flow.Document{})
	require.NoError(t, err)

	// The failure is contained: the run still succeeds via the catch branch.
	assert.Equal(t, flow.RunStatusSucceeded, res.Status)
	failure, ok := res.Output.Get("failure")
	require.True(t, ok)
	fm := failure.(map[string]any)
	assert.Equal(t, flow.ErrCodeExecution, fm["code"])
	assert.Equal(t, "call", fm["state"])
	assert.Contains(t, runLog.eventTypes(), flow.EventStateCaught)
}

func TestExecuteTaskWithoutCatchFailsRun(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("boom", func(_ context.Context, _ flow.Document) (any, error) {
		return nil, flow.NewError(flow.ErrCodeMalformedOutput, "bad payload")
	}))

	g := &flow.Graph{
		Name:    "no-catch",
		StartAt: "call",
		States: map[string]*flow.State{
			"call": {Type: flow.StateTask, Resource: "boom", Next: "done"},
			"done": {Type: flow.StateSucceed},
		},
	}

	e := newTestEngine(t, registry, nil)
	res, err := e.Execute(context.Background(), g, flow.Document{})
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, flow.ErrCodeMalformedOutput, res.Error.Code)
}

func TestExecuteMapJoinPreservesOrder(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("tag", func(ctx context.Context, doc flow.Document) (any, error) {
		idx, _ := doc.Get("index")
		// Later items finish first to prove order is restored at the join.
		switch idx.(int) {
		case 0:
			time.Sleep(20 * time.Millisecond)
		case 1:
			time.Sleep(10 * time.Millisecond)
		}
		item, _ := doc.Get("item")
		return item.(string) + "!", nil
	}))

	g := &flow.Graph{
		Name:    "fanout",
		StartAt: "each",
		States: map[string]*flow.State{
			"each": {
				Type:       flow.StateMap,
				ItemsPath:  "words",
				ResultPath: "results",
				Next:       "done",
				Iterator: &flow.Graph{
					Name:    "per-word",
					StartAt: "tag",
					States: map[string]*flow.State{
						"tag": {Type: flow.StateTask, Resource: "tag", ResultPath: "tagged", Next: "ok"},
						"ok":  {Type: flow.StateSucceed},
					},
				},
			},
			"done": {Type: flow.StateSucceed},
		},
	}

	e := newTestEngine(t, registry, nil)
	res, err := e.Execute(context.Background(), g, flow.Document{
		"words": []any{"alpha", "beta", "gamma"},
	})
	require.NoError(t, err)
	require.Equal(t, flow.RunStatusSucceeded, res.Status)

	raw, ok := res.Output.Get("results")
	require.True(t, ok)
	results := raw.([]any)
	require.Len(t, results, 3)
	for i, want := range []string{"alpha!", "beta!", "gamma!"} {
		tagged, _ := flow.Document(results[i].(map[string]any)).Get("tagged")
		assert.Equal(t, want, tagged)
	}
}

func TestExecuteMapItemFailureFailsMap(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("maybe", func(_ context.Context, doc flow.Document) (any, error) {
		item, _ := doc.Get("item")
		if item == "bad" {
			return nil, flow.NewError(flow.ErrCodeExecution, "item rejected")
		}
		return item, nil
	}))

	g := &flow.Graph{
		Name:    "fanout-fail",
		StartAt: "each",
		States: map[string]*flow.State{
			"each": {
				Type:      flow.StateMap,
				ItemsPath: "items",
				Next:      "done",
				Iterator: &flow.Graph{
					Name:    "per-item",
					StartAt: "t",
					States: map[string]*flow.State{
						"t":  {Type: flow.StateTask, Resource: "maybe", ResultPath: "out", Next: "ok"},
						"ok": {Type: flow.StateSucceed},
					},
				},
			},
			"done": {Type: flow.StateSucceed},
		},
	}

	e := newTestEngine(t, registry, nil)
	res, err := e.Execute(context.Background(), g, flow.Document{"items": []any{"good", "bad", "good"}})
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, flow.ErrCodeStateFailed, res.Error.Code)
}

func TestExecuteMapItemSelector(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("echo", func(_ context.Context, doc flow.Document) (any, error) {
		w, _ := doc.Get("word")
		lang, _ := doc.Get("language")
		return lang.(string) + ":" + w.(string), nil
	}))

	g := &flow.Graph{
		Name:    "selector",
		StartAt: "each",
		States: map[string]*flow.State{
			"each": {
				Type:         flow.StateMap,
				ItemsPath:    "words",
				ItemSelector: `{language: .doc.language, word: .item}`,
				ResultPath:   "out",
				Next:         "done",
				Iterator: &flow.Graph{
					Name:    "per-word",
					StartAt: "t",
					States: map[string]*flow.State{
						"t":  {Type: flow.StateTask, Resource: "echo", ResultPath: "echoed", Next: "ok"},
						"ok": {Type: flow.StateSucceed},
					},
				},
			},
			"done": {Type: flow.StateSucceed},
		},
	}

	e := newTestEngine(t, registry, nil)
	res, err := e.Execute(context.Background(), g, flow.Document{
		"language": "nl-NL",
		"words":    []any{"huis"},
	})
	require.NoError(t, err)
	require.Equal(t, flow.RunStatusSucceeded, res.Status)

	raw, _ := res.Output.Get("out")
	first := raw.([]any)[0].(map[string]any)
	assert.Equal(t, "nl-NL:huis", first["echoed"])
}

func TestExecutePassTransform(t *testing.T) {
	g := &flow.Graph{
		Name:    "pass",
		StartAt: "reshape",
		States: map[string]*flow.State{
			"reshape": {
				Type:      flow.StatePass,
				Transform: `{upper: (.doc.name | ascii_upcase)}`,
				Next:      "done",
			},
			"done": {Type: flow.StateSucceed},
		},
	}

	e := newTestEngine(t, NewRegistry(), nil)
	res, err := e.Execute(context.Background(), g, flow.Document{"name": "kaas"})
	require.NoError(t, err)
	v, _ := res.Output.Get("upper")
	assert.Equal(t, "KAAS", v)
}

func TestExecuteGraphTimeout(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("slow", func(ctx context.Context, _ flow.Document) (any, error) {
		select {
		case <-time.After(time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	g := &flow.Graph{
		Name:    "timeout",
		StartAt: "slow",
		Timeout: 20 * time.Millisecond,
		States: map[string]*flow.State{
			"slow": {Type: flow.StateTask, Resource: "slow", Next: "done"},
			"done": {Type: flow.StateSucceed},
		},
	}

	e := newTestEngine(t, registry, nil)
	res, err := e.Execute(context.Background(), g, flow.Document{})
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, flow.ErrCodeTimeout, res.Error.Code)
}

func TestExecuteUnknownResourceFails(t *testing.T) {
	g := &flow.Graph{
		Name:    "missing",
		StartAt: "t",
		States: map[string]*flow.State{
			"t":    {Type: flow.StateTask, Resource: "nope", Next: "done"},
			"done": {Type: flow.StateSucceed},
		},
	}

	e := newTestEngine(t, NewRegistry(), nil)
	res, err := e.Execute(context.Background(), g, flow.Document{})
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusFailed, res.Status)
	assert.Equal(t, flow.ErrCodeNotFound, res.Error.Code)
}
