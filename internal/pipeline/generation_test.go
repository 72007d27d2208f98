package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubudusj/spelling-game-backend/internal/engine"
	"github.com/pubudusj/spelling-game-backend/internal/services"
	"github.com/pubudusj/spelling-game-backend/internal/store"
	"github.com/pubudusj/spelling-game-backend/internal/validation"
	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// fakeSynth serves the asynchronous synthesis protocol: each submitted task
// walks a scripted status sequence, one step per poll.
type fakeSynth struct {
	mu        sync.Mutex
	script    []string // statuses returned on successive polls
	nextID    int
	polls     map[string]int
	submitted []map[string]any
}

func newFakeSynth(script ...string) *fakeSynth {
	return &fakeSynth{script: script, polls: make(map[string]int)}
}

func (f *fakeSynth) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if r.Method == http.MethodPost {
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.submitted = append(f.submitted, req)
			f.nextID++
			id := "task-" + string(rune('a'+f.nextID-1))
			w.WriteHeader(http.StatusCreated)
			f.writeTask(w, id, "scheduled")
			return
		}

		id := filepath.Base(r.URL.Path)
		step := f.polls[id]
		if step >= len(f.script) {
			step = len(f.script) - 1
		}
		f.polls[id] = f.polls[id] + 1
		f.writeTask(w, id, f.script[step])
	}
}

func (f *fakeSynth) writeTask(w http.ResponseWriter, id, status string) {
	task := map[string]any{"id": id, "status": status}
	if status == "completed" {
		task["output_uri"] = "s3://audio/nl-NL/" + id + ".mp3"
		task["request_characters"] = 7
	}
	if status == "failed" {
		task["reason"] = "voice unavailable"
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"task": task})
}

func textgenServer(t *testing.T, words string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": words}},
		})
	}))
}

type capturedNotification struct {
	mu   sync.Mutex
	recv []services.Notification
}

func notifyServer(t *testing.T, captured *capturedNotification) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n services.Notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		captured.mu.Lock()
		captured.recv = append(captured.recv, n)
		captured.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
}

type generationFixture struct {
	gen   *Generation
	eng   *engine.Engine
	store *store.LibSQLStore
	notes *capturedNotification
}

func newGenerationFixture(t *testing.T, synthScript []string, words string) *generationFixture {
	t.Helper()

	st, err := store.NewLibSQLStore(filepath.Join(t.TempDir(), "gen.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	tg := textgenServer(t, words)
	t.Cleanup(tg.Close)
	synth := httptest.NewServer(newFakeSynth(synthScript...).handler())
	t.Cleanup(synth.Close)
	notes := &capturedNotification{}
	hook := notifyServer(t, notes)
	t.Cleanup(hook.Close)

	v, err := validation.NewPayloadValidator()
	require.NoError(t, err)
	textgen, err := services.NewTextGenClient(services.TextGenConfig{Endpoint: tg.URL}, v, nil)
	require.NoError(t, err)
	synthClient, err := services.NewSynthClient(services.SynthConfig{Endpoint: synth.URL}, nil)
	require.NoError(t, err)
	sink := services.NewNotifySink(services.NotifyConfig{WebhookURL: hook.URL}, nil)

	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.MaxPollAttempts = 4

	gen, err := NewGeneration(cfg, st, textgen, synthClient, sink, nil)
	require.NoError(t, err)

	registry := engine.NewRegistry()
	require.NoError(t, gen.RegisterHandlers(registry))
	eng, err := engine.New(registry, nil, nil)
	require.NoError(t, err)

	return &generationFixture{gen: gen, eng: eng, store: st, notes: notes}
}

const twoWordList = `[{"word":"quartz","description":"a hard mineral"},{"word":"rhythm","description":"a repeated pattern of sound"}]`

func TestGenerationRunPersistsCompletedWords(t *testing.T) {
	fx := newGenerationFixture(t, []string{"inProgress", "inProgress", "completed"}, twoWordList)

	res, err := fx.gen.Run(context.Background(), fx.eng, "nl-NL")
	require.NoError(t, err)
	require.Equal(t, flow.RunStatusSucceeded, res.Status)

	persisted, _ := res.Output.Get("persisted")
	assert.Equal(t, 2, persisted)
	failed, _ := res.Output.Get("failed")
	assert.Equal(t, 0, failed)

	n, err := fx.store.CountWords(context.Background(), store.WordPartition("nl-NL"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err := fx.store.GetWordsByKeys(context.Background(),
		store.WordPartition("nl-NL"), []string{store.ContentHash("quartz")})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a hard mineral", recs[0].Description)
	assert.Equal(t, 7, recs[0].CharCount)
	assert.NotEmpty(t, recs[0].AudioRef)
}

func TestGenerationRunIsIdempotentPerWord(t *testing.T) {
	fx := newGenerationFixture(t, []string{"completed"}, twoWordList)

	_, err := fx.gen.Run(context.Background(), fx.eng, "nl-NL")
	require.NoError(t, err)
	_, err = fx.gen.Run(context.Background(), fx.eng, "nl-NL")
	require.NoError(t, err)

	n, err := fx.store.CountWords(context.Background(), store.WordPartition("nl-NL"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGenerationFailedSynthesisNotifiesAndContinues(t *testing.T) {
	fx := newGenerationFixture(t, []string{"failed"}, twoWordList)

	res, err := fx.gen.Run(context.Background(), fx.eng, "nl-NL")
	require.NoError(t, err)

	// Items failed but the run itself completes: failures are contained.
	require.Equal(t, flow.RunStatusSucceeded, res.Status)
	failed, _ := res.Output.Get("failed")
	assert.Equal(t, 2, failed)

	n, err := fx.store.CountWords(context.Background(), store.WordPartition("nl-NL"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	fx.notes.mu.Lock()
	defer fx.notes.mu.Unlock()
	require.Len(t, fx.notes.recv, 2)
	assert.Equal(t, "word generation failed", fx.notes.recv[0].Subject)
	assert.Equal(t, "nl-NL", fx.notes.recv[0].Language)

	// The notification carries the item's full working document.
	output, ok := fx.notes.recv[0].Detail["output"].(map[string]any)
	require.True(t, ok, "detail must carry the working document snapshot")
	assert.Equal(t, "nl-NL", output["language"])
	assert.NotEmpty(t, output["word"])
	assert.Contains(t, output, "job")
}

func TestGenerationPollCapRoutesToFailureReport(t *testing.T) {
	// The task never leaves inProgress; the poll cap must end the loop.
	fx := newGenerationFixture(t, []string{"inProgress"}, `[{"word":"quartz","description":"a hard mineral"}]`)

	res, err := fx.gen.Run(context.Background(), fx.eng, "nl-NL")
	require.NoError(t, err)
	require.Equal(t, flow.RunStatusSucceeded, res.Status)

	failed, _ := res.Output.Get("failed")
	assert.Equal(t, 1, failed)

	fx.notes.mu.Lock()
	defer fx.notes.mu.Unlock()
	require.Len(t, fx.notes.recv, 1)
	assert.Equal(t, "inProgress", fx.notes.recv[0].Detail["job_status"])
}

func TestGenerationMalformedModelOutputFailsRun(t *testing.T) {
	fx := newGenerationFixture(t, []string{"completed"}, `just some prose, no JSON here`)

	res, err := fx.gen.Run(context.Background(), fx.eng, "nl-NL")
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, flow.ErrCodeMalformedOutput, res.Error.Code)
}

func TestGenerationUnknownLanguageRejected(t *testing.T) {
	fx := newGenerationFixture(t, []string{"completed"}, twoWordList)

	_, err := fx.gen.Run(context.Background(), fx.eng, "fr-FR")
	require.Error(t, err)
	var fe *flow.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, flow.ErrCodeCapability, fe.Code)
}

func TestGenerationSubmitsVoicePerLanguage(t *testing.T) {
	fake := newFakeSynth("completed")
	synth := httptest.NewServer(fake.handler())
	defer synth.Close()

	st, err := store.NewLibSQLStore(filepath.Join(t.TempDir(), "gen.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	defer st.Close()

	tg := textgenServer(t, `[{"word":"house","description":"a building to live in"}]`)
	defer tg.Close()

	v, err := validation.NewPayloadValidator()
	require.NoError(t, err)
	textgen, err := services.NewTextGenClient(services.TextGenConfig{Endpoint: tg.URL}, v, nil)
	require.NoError(t, err)
	synthClient, err := services.NewSynthClient(services.SynthConfig{Endpoint: synth.URL}, nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	gen, err := NewGeneration(cfg, st, textgen, synthClient, services.NewNotifySink(services.NotifyConfig{}, nil), nil)
	require.NoError(t, err)

	registry := engine.NewRegistry()
	require.NoError(t, gen.RegisterHandlers(registry))
	eng, err := engine.New(registry, nil, nil)
	require.NoError(t, err)

	res, err := gen.Run(context.Background(), eng, "en-US")
	require.NoError(t, err)
	require.Equal(t, flow.RunStatusSucceeded, res.Status)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.submitted, 1)
	assert.Equal(t, "Matthew", fake.submitted[0]["voice_id"])
	assert.Equal(t, "en-US/", fake.submitted[0]["output_prefix"])
	assert.Equal(t, "house", fake.submitted[0]["text"])
}
