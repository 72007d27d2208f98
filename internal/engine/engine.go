package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pubudusj/spelling-game-backend/internal/expressions"
	"github.com/pubudusj/spelling-game-backend/internal/logging"
	"github.com/pubudusj/spelling-game-backend/internal/store"
	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// RunLogger persists run rows and the append-only run event log.
// Satisfied by *store.LibSQLStore and test mocks.
type RunLogger interface {
	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, id string, update store.RunUpdate) error
	AppendRunEvent(ctx context.Context, event *store.RunEvent) error
}

// Result is the terminal outcome of one graph execution.
type Result struct {
	RunID       string          `json:"run_id"`
	Graph       string          `json:"graph"`
	Status      flow.RunStatus  `json:"status"`
	Output      flow.Document   `json:"output,omitempty"`
	Error       *flow.Error     `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Engine interprets compiled graphs against a working document. A single
// Engine is shared by all pipelines; executions are independent and safe
// to run concurrently.
type Engine struct {
	registry *Registry
	runLog   RunLogger // nil disables run persistence
	logger   *slog.Logger

	cel  *expressions.CELEngine
	expr *expressions.ExprEngine
	jq   *expressions.GoJQEngine
}

// New creates an Engine. runLog may be nil, in which case runs are not
// persisted (useful for tests).
func New(registry *Registry, runLog RunLogger, logger *slog.Logger) (*Engine, error) {
	if registry == nil {
		return nil, flow.NewError(flow.ErrCodeValidation, "task registry is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Engine{
		registry: registry,
		runLog:   runLog,
		logger:   logger,
		cel:      celEngine,
		expr:     expressions.NewExprEngine(),
		jq:       expressions.NewGoJQEngine(),
	}, nil
}

// Execute runs a graph to a terminal state. The input document is cloned,
// so the caller's copy is never mutated. The returned error is non-nil only
// for pre-execution failures (invalid graph); execution failures are
// reported through Result.Status and Result.Error.
func (e *Engine) Execute(ctx context.Context, g *flow.Graph, input flow.Document) (*Result, error) {
	if err := flow.Compile(g); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	started := time.Now().UTC()

	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	if e.runLog != nil {
		inputJSON, _ := json.Marshal(input)
		if err := e.runLog.CreateRun(ctx, &store.Run{
			ID:        runID,
			Graph:     g.Name,
			Status:    flow.RunStatusPending,
			Input:     inputJSON,
			StartedAt: started,
		}); err != nil {
			return nil, flow.NewErrorf(flow.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
		}
	}

	if err := TransitionRun(flow.RunStatusPending, flow.RunStatusActive); err != nil {
		return nil, err
	}
	e.updateRun(ctx, runID, store.RunUpdate{Status: statusPtr(flow.RunStatusActive)})
	e.emit(ctx, runID, "", flow.EventRunStarted, map[string]any{"graph": g.Name})

	doc := input.Clone()
	out, ferr := e.run(ctx, g, doc, runID)
	completed := time.Now().UTC()

	result := &Result{
		RunID:       runID,
		Graph:       g.Name,
		StartedAt:   started,
		CompletedAt: completed,
	}

	if ferr != nil {
		result.Status = flow.RunStatusFailed
		result.Error = ferr
		e.emit(ctx, runID, ferr.StateID, flow.EventRunFailed, map[string]any{"error": ferr.Error()})
		errMsg := ferr.Error()
		e.updateRun(ctx, runID, store.RunUpdate{
			Status:      statusPtr(flow.RunStatusFailed),
			Error:       &errMsg,
			CompletedAt: &completed,
		})
		logging.LogWith(ctx, e.logger).Error("run failed",
			slog.String("graph", g.Name), slog.String("error", ferr.Error()))
		return result, nil
	}

	result.Status = flow.RunStatusSucceeded
	result.Output = out
	outJSON, _ := json.Marshal(out)
	e.emit(ctx, runID, "", flow.EventRunSucceeded, nil)
	e.updateRun(ctx, runID, store.RunUpdate{
		Status:      statusPtr(flow.RunStatusSucceeded),
		Output:      outJSON,
		CompletedAt: &completed,
	})
	logging.LogWith(ctx, e.logger).Info("run succeeded",
		slog.String("graph", g.Name),
		slog.Duration("elapsed", completed.Sub(started)))
	return result, nil
}

// run interprets one graph (or map iterator) to a terminal state.
func (e *Engine) run(ctx context.Context, g *flow.Graph, doc flow.Document, runID string) (flow.Document, *flow.Error) {
	cur := g.StartAt

	for {
		if err := ctx.Err(); err != nil {
			return nil, e.contextError(err).WithState(cur)
		}

		st := g.States[cur]
		sctx := logging.WithStateID(ctx, cur)
		e.emit(sctx, runID, cur, flow.EventStateEntered, nil)

		switch st.Type {
		case flow.StateTask:
			next, ferr := e.execTask(sctx, cur, st, doc, runID)
			if ferr != nil {
				return nil, ferr
			}
			cur = next

		case flow.StateChoice:
			next, ferr := e.execChoice(sctx, cur, st, doc)
			if ferr != nil {
				return nil, ferr
			}
			e.emit(sctx, runID, cur, flow.EventStateCompleted, map[string]any{"next": next})
			cur = next

		case flow.StateMap:
			ferr := e.execMap(sctx, cur, st, doc, runID)
			if ferr != nil {
				return nil, ferr
			}
			e.emit(sctx, runID, cur, flow.EventStateCompleted, nil)
			cur = st.Next

		case flow.StateWait:
			select {
			case <-time.After(st.Duration):
			case <-ctx.Done():
				return nil, e.contextError(ctx.Err()).WithState(cur)
			}
			e.emit(sctx, runID, cur, flow.EventStateCompleted, nil)
			cur = st.Next

		case flow.StatePass:
			if st.Transform != "" {
				v, err := e.jq.Evaluate(sctx, st.Transform, map[string]any{"doc": map[string]any(doc)})
				if err != nil {
					return nil, asFlowError(err).WithState(cur)
				}
				doc.Merge(st.ResultPath, v)
			}
			e.emit(sctx, runID, cur, flow.EventStateCompleted, nil)
			cur = st.Next

		case flow.StateSucceed:
			e.emit(sctx, runID, cur, flow.EventStateCompleted, nil)
			return doc, nil

		case flow.StateFail:
			code := st.Error
			if code == "" {
				code = flow.ErrCodeStateFailed
			}
			return nil, flow.NewErrorf(code, "graph %s terminated in failure state", g.Name).WithState(cur)

		default:
			return nil, flow.NewErrorf(flow.ErrCodeValidation, "unknown state type %q", st.Type).WithState(cur)
		}
	}
}

// execTask invokes a task handler with its per-call timeout and merges the
// result. On error it either follows the catch transition or fails the scope.
func (e *Engine) execTask(ctx context.Context, id string, st *flow.State, doc flow.Document, runID string) (string, *flow.Error) {
	handler, err := e.registry.Get(st.Resource)
	if err != nil {
		return "", asFlowError(err).WithState(id)
	}

	callCtx := ctx
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}

	result, callErr := handler(callCtx, doc)
	if callErr != nil {
		ferr := asFlowError(callErr)
		if ferr.StateID == "" {
			ferr = ferr.WithState(id)
		}
		e.emit(ctx, runID, id, flow.EventStateFailed, map[string]any{"error": ferr.Error()})

		if st.Catch != nil {
			// Contained failure: record the error on the document and
			// divert to the handling state.
			path := st.Catch.ResultPath
			if path == "" {
				path = "error"
			}
			doc.Set(path, map[string]any{
				"code":    ferr.Code,
				"message": ferr.Message,
				"state":   id,
			})
			e.emit(ctx, runID, id, flow.EventStateCaught, map[string]any{"next": st.Catch.Next})
			return st.Catch.Next, nil
		}
		return "", ferr
	}

	if result != nil || st.ResultPath != "" {
		doc.Merge(st.ResultPath, result)
	}
	e.emit(ctx, runID, id, flow.EventStateCompleted, nil)
	return st.Next, nil
}

// execChoice evaluates ordered predicates and returns the first matching
// branch, or the mandatory default when none match.
func (e *Engine) execChoice(ctx context.Context, id string, st *flow.State, doc flow.Document) (string, *flow.Error) {
	data := map[string]any{"doc": map[string]any(doc)}

	for i, rule := range st.Choices {
		var eng expressions.Engine
		switch rule.Language {
		case "", "cel":
			eng = e.cel
		case "expr":
			eng = e.expr
		default:
			return "", flow.NewErrorf(flow.ErrCodeValidation,
				"choice rule %d has unknown language %q", i, rule.Language).WithState(id)
		}

		v, err := eng.Evaluate(ctx, rule.When, data)
		if err != nil {
			return "", asFlowError(err).WithState(id)
		}
		if matched, _ := v.(bool); matched {
			return rule.Next, nil
		}
	}
	return st.Otherwise, nil
}

// execMap fans the iterator subgraph out over the items array and joins
// the per-item terminal outputs into a new array, preserving input order
// regardless of completion order.
func (e *Engine) execMap(ctx context.Context, id string, st *flow.State, doc flow.Document, runID string) *flow.Error {
	itemsVal, ok := doc.Get(st.ItemsPath)
	if !ok {
		return flow.NewErrorf(flow.ErrCodeExecution, "items path %q not found in document", st.ItemsPath).WithState(id)
	}
	items, ok := itemsVal.([]any)
	if !ok {
		return flow.NewErrorf(flow.ErrCodeMalformedOutput, "items path %q is not an array", st.ItemsPath).WithState(id)
	}

	results := make([]any, len(items))
	itemErrs := make([]*flow.Error, len(items))

	bound := st.MaxConcurrency
	if bound <= 0 {
		bound = len(items)
	}
	pool := NewWorkerPool(bound)

	var mu sync.Mutex
	for i, item := range items {
		i, item := i, item

		itemDoc, ferr := e.buildItemDocument(ctx, st, doc, item, i)
		if ferr != nil {
			return ferr.WithState(id)
		}

		submitErr := pool.Submit(ctx, func(ctx context.Context) {
			e.emit(ctx, runID, id, flow.EventMapItemStarted, map[string]any{"index": i})
			out, ferr := e.run(ctx, st.Iterator, itemDoc, runID)
			mu.Lock()
			if ferr != nil {
				itemErrs[i] = ferr
			} else {
				results[i] = map[string]any(out)
			}
			mu.Unlock()
			e.emit(ctx, runID, id, flow.EventMapItemDone, map[string]any{"index": i})
		})
		if submitErr != nil {
			pool.Wait()
			return e.contextError(submitErr).WithState(id)
		}
	}
	pool.Wait()

	// The join is a barrier: every slot is either an output or a failure.
	// The first failed slot by input order fails the whole map.
	for _, ferr := range itemErrs {
		if ferr != nil {
			return flow.NewErrorf(flow.ErrCodeStateFailed,
				"map item failed: %s", ferr.Error()).WithState(id).WithCause(ferr)
		}
	}

	doc.Merge(st.ResultPath, results)
	return nil
}

// buildItemDocument constructs the independent working document for one
// map item. With no selector the item gets a full clone of the parent
// document plus item/index fields; a jq selector builds the document from
// {doc, item, index} instead.
func (e *Engine) buildItemDocument(ctx context.Context, st *flow.State, doc flow.Document, item any, index int) (flow.Document, *flow.Error) {
	if st.ItemSelector == "" {
		itemDoc := doc.Clone()
		itemDoc.Set("item", item)
		itemDoc.Set("index", index)
		return itemDoc, nil
	}

	v, err := e.jq.Evaluate(ctx, st.ItemSelector, map[string]any{
		"doc":   map[string]any(doc),
		"item":  item,
		"index": index,
	})
	if err != nil {
		return nil, asFlowError(err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, flow.NewErrorf(flow.ErrCodeMalformedOutput,
			"item selector must produce an object, got %T", v)
	}
	return flow.Document(m), nil
}

// contextError maps context termination onto the error taxonomy.
func (e *Engine) contextError(err error) *flow.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return flow.NewError(flow.ErrCodeTimeout, "execution timed out").WithCause(err)
	}
	return flow.NewErrorf(flow.ErrCodeExecution, "execution aborted: %s", err.Error()).WithCause(err)
}

// emit appends a run event; best effort, never fails the execution.
func (e *Engine) emit(ctx context.Context, runID, stateID, eventType string, payload map[string]any) {
	if e.runLog == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	if err := e.runLog.AppendRunEvent(ctx, &store.RunEvent{
		RunID:   runID,
		StateID: stateID,
		Type:    eventType,
		Payload: raw,
	}); err != nil {
		logging.LogWith(ctx, e.logger).Warn("append run event failed",
			slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

// updateRun persists a run update; best effort.
func (e *Engine) updateRun(ctx context.Context, runID string, update store.RunUpdate) {
	if e.runLog == nil {
		return
	}
	if err := e.runLog.UpdateRun(ctx, runID, update); err != nil {
		logging.LogWith(ctx, e.logger).Warn("update run failed", slog.String("error", err.Error()))
	}
}

// asFlowError converts any error into a *flow.Error, preserving typed
// errors and classifying context deadline as a timeout.
func asFlowError(err error) *flow.Error {
	var ferr *flow.Error
	if errors.As(err, &ferr) {
		return ferr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return flow.NewError(flow.ErrCodeTimeout, "call timed out").WithCause(err)
	}
	return flow.NewErrorf(flow.ErrCodeExecution, "%s", err.Error()).WithCause(err)
}

func statusPtr(s flow.RunStatus) *flow.RunStatus { return &s }
