package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/pubudusj/spelling-game-backend/internal/engine"
	"github.com/pubudusj/spelling-game-backend/internal/logging"
	"github.com/pubudusj/spelling-game-backend/internal/services"
	"github.com/pubudusj/spelling-game-backend/internal/store"
	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// ServingGraphName identifies serving runs in the run log.
const ServingGraphName = "serving"

// Serving owns the question-serving pipeline: randomized scans over the
// word partition, deduplication, and signed audio URL resolution.
type Serving struct {
	cfg    Config
	store  store.Store
	urls   *services.URLIssuer
	notify *services.NotifySink
	logger *slog.Logger
}

// NewServing wires the serving pipeline. cfg must be normalized.
func NewServing(cfg Config, st store.Store, urls *services.URLIssuer, notify *services.NotifySink, logger *slog.Logger) (*Serving, error) {
	if st == nil || urls == nil || notify == nil {
		return nil, flow.NewError(flow.ErrCodeValidation, "serving pipeline requires store, url issuer and notify")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Serving{cfg: cfg, store: st, urls: urls, notify: notify, logger: logger}, nil
}

// RegisterHandlers adds the serving task handlers to the registry.
func (s *Serving) RegisterHandlers(r *engine.Registry) error {
	handlers := map[string]engine.TaskHandler{
		"words.scan":            s.scanWords,
		"words.pick":            s.pickRandom,
		"questions.dedup":       s.dedupQuestions,
		"urls.resolve":          s.resolveURLs,
		"notify.sample_failure": s.reportSampleFailure,
	}
	for name, h := range handlers {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// Graph builds the serving graph for the configured variant. Both variants
// share the shape sample -> dedup -> resolve; they differ inside the
// sampling iterator.
func (s *Serving) Graph() *flow.Graph {
	// A failed or empty scan is contained inside its iteration: the catch
	// routes to a notification and the iteration still succeeds with no
	// candidates, so one bad sample never costs the caller the others.
	var iterator *flow.Graph
	if s.cfg.Variant == VariantPickOne {
		iterator = &flow.Graph{
			Name:    "serving-sample-pick-one",
			StartAt: "ScanPool",
			States: map[string]*flow.State{
				"ScanPool": {
					Type:       flow.StateTask,
					Resource:   "words.scan",
					ResultPath: "pool",
					Next:       "PickRandom",
					Catch:      &flow.Catch{Next: "ReportFailure", ResultPath: "failure"},
				},
				"PickRandom": {
					Type:       flow.StateTask,
					Resource:   "words.pick",
					ResultPath: "candidates",
					Next:       "Done",
					Catch:      &flow.Catch{Next: "ReportFailure", ResultPath: "failure"},
				},
				"ReportFailure": {
					Type:       flow.StateTask,
					Resource:   "notify.sample_failure",
					ResultPath: "notified",
					Next:       "Done",
				},
				"Done": {Type: flow.StateSucceed},
			},
		}
	} else {
		iterator = &flow.Graph{
			Name:    "serving-sample-batch",
			StartAt: "ScanBatch",
			States: map[string]*flow.State{
				"ScanBatch": {
					Type:       flow.StateTask,
					Resource:   "words.scan",
					ResultPath: "candidates",
					Next:       "Done",
					Catch:      &flow.Catch{Next: "ReportFailure", ResultPath: "failure"},
				},
				"ReportFailure": {
					Type:       flow.StateTask,
					Resource:   "notify.sample_failure",
					ResultPath: "notified",
					Next:       "Done",
				},
				"Done": {Type: flow.StateSucceed},
			},
		}
	}

	return &flow.Graph{
		Name:    ServingGraphName,
		StartAt: "SampleWords",
		States: map[string]*flow.State{
			"SampleWords": {
				Type:         flow.StateMap,
				ItemsPath:    "iterate",
				ItemSelector: `{language: .doc.language, iteration: .item}`,
				Iterator:     iterator,
				ResultPath:   "samples",
				Next:         "Dedup",
			},
			"Dedup": {
				Type:       flow.StateTask,
				Resource:   "questions.dedup",
				ResultPath: "unique",
				Next:       "ResolveURLs",
			},
			"ResolveURLs": {
				Type:       flow.StateTask,
				Resource:   "urls.resolve",
				ResultPath: "questions",
				Next:       "Shape",
			},
			// Final document is exactly {questions: [...]}.
			"Shape": {
				Type:      flow.StatePass,
				Transform: `{questions: .doc.questions}`,
				Next:      "Done",
			},
			"Done": {Type: flow.StateSucceed},
		},
	}
}

// Run executes one serving run and returns the question list.
func (s *Serving) Run(ctx context.Context, eng *engine.Engine, language string) (*engine.Result, error) {
	if _, err := s.cfg.Language(language); err != nil {
		return nil, err
	}
	ctx = logging.WithLanguage(ctx, language)

	iterate := make([]any, s.cfg.SampleIterations)
	for i := range iterate {
		iterate[i] = strconv.Itoa(i + 1)
	}
	return eng.Execute(ctx, s.Graph(), flow.Document{
		"language": language,
		"iterate":  iterate,
	})
}

// scanWords reads a window of the word partition starting at a random sort
// key hint. Hashed sort keys make the window an unbiased random sample.
func (s *Serving) scanWords(ctx context.Context, doc flow.Document) (any, error) {
	language := doc.GetString("language")
	if language == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "document has no language")
	}

	limit := s.cfg.BatchScanLimit
	if s.cfg.Variant == VariantPickOne {
		limit = s.cfg.PickOneScanLimit
	}

	hint, err := randomKeyHint()
	if err != nil {
		return nil, err
	}
	records, err := s.store.ScanWords(ctx, store.WordPartition(language), limit, hint)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, flow.NewErrorf(flow.ErrCodeEmptyResult,
			"no words stored for language %s", language)
	}
	// The batch variant reads a window but keeps only its first record;
	// the limit just widens the wrap-around read.
	if s.cfg.Variant != VariantPickOne {
		records = records[:1]
	}

	items := make([]any, len(records))
	for i, rec := range records {
		items[i] = candidateDocument(rec)
	}
	return items, nil
}

// reportSampleFailure delivers a notification for one failed sampling
// iteration. An empty partition lands here too via the scan's catch: it is
// reported, not treated as a crash, and the run continues with whatever
// the other iterations found.
func (s *Serving) reportSampleFailure(ctx context.Context, doc flow.Document) (any, error) {
	detail := map[string]any{
		"iteration": doc.GetString("iteration"),
		"output":    map[string]any(doc.Clone()),
	}
	if failure, ok := doc.Get("failure"); ok {
		detail["failure"] = failure
	}

	err := s.notify.Notify(ctx, services.Notification{
		Subject:  "question sampling failed",
		Graph:    ServingGraphName,
		Language: doc.GetString("language"),
		Detail:   detail,
	})
	if err != nil {
		logging.LogWith(ctx, s.logger).Error("sample failure notification not delivered",
			slog.String("error", err.Error()))
	}
	return map[string]any{"delivered": err == nil}, nil
}

// pickRandom keeps one random candidate from the scanned pool, preserving
// the array shape the dedup stage expects.
func (s *Serving) pickRandom(_ context.Context, doc flow.Document) (any, error) {
	raw, ok := doc.Get("pool")
	if !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "document has no candidate pool")
	}
	pool, ok := raw.([]any)
	if !ok || len(pool) == 0 {
		return nil, flow.NewError(flow.ErrCodeEmptyResult, "candidate pool is empty")
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeExecution, "random pick failed").WithCause(err)
	}
	return []any{pool[n.Int64()]}, nil
}

// dedupQuestions flattens the per-iteration candidates and removes repeated
// words. Fewer questions than iterations is a legal outcome.
func (s *Serving) dedupQuestions(ctx context.Context, doc flow.Document) (any, error) {
	raw, ok := doc.Get("samples")
	if !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "document has no samples")
	}
	samples, ok := raw.([]any)
	if !ok {
		return nil, flow.NewError(flow.ErrCodeMalformedOutput, "samples is not an array")
	}

	var flat []map[string]any
	for _, sample := range samples {
		sm, ok := sample.(map[string]any)
		if !ok {
			continue
		}
		candidates, ok := sm["candidates"].([]any)
		if !ok {
			continue
		}
		for _, c := range candidates {
			if cm, ok := c.(map[string]any); ok {
				flat = append(flat, cm)
			}
		}
	}

	unique := DeduplicateBy(flat, ByWord)
	logging.LogWith(ctx, s.logger).Debug("questions deduplicated",
		slog.Int("sampled", len(flat)), slog.Int("unique", len(unique)))

	out := make([]any, len(unique))
	for i, u := range unique {
		out[i] = u
	}
	return out, nil
}

// resolveURLs turns unique candidates into the question shape served to
// clients, with a signed time-limited audio URL and without the answer word.
func (s *Serving) resolveURLs(ctx context.Context, doc flow.Document) (any, error) {
	raw, ok := doc.Get("unique")
	if !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "document has no unique candidates")
	}
	unique, ok := raw.([]any)
	if !ok {
		return nil, flow.NewError(flow.ErrCodeMalformedOutput, "unique candidates is not an array")
	}

	questions := make([]any, 0, len(unique))
	for _, c := range unique {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		audioRef, _ := cm["audio_ref"].(string)
		signed, err := s.urls.Issue(audioRef)
		if err != nil {
			return nil, err
		}
		questions = append(questions, map[string]any{
			"id":              cm["id"],
			"language":        cm["language"],
			"description":     cm["description"],
			"character_count": cm["character_count"],
			"audio_url":       signed,
		})
	}
	return questions, nil
}

// candidateDocument is the intermediate item shape flowing between the
// sampling, dedup and resolve stages. It still carries the word for dedup;
// resolveURLs drops it before anything reaches a client.
func candidateDocument(rec *store.WordRecord) map[string]any {
	return map[string]any{
		"id":              rec.SortKey,
		"language":        languageFromPartition(rec.PartitionKey),
		"word":            rec.Word,
		"description":     rec.Description,
		"audio_ref":       rec.AudioRef,
		"character_count": rec.CharCount,
	}
}

func languageFromPartition(pk string) string {
	const prefix = "Word#"
	if len(pk) > len(prefix) && pk[:len(prefix)] == prefix {
		return pk[len(prefix):]
	}
	return pk
}

// randomKeyHint returns a random position in the MD5 sort key space.
func randomKeyHint() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", flow.NewError(flow.ErrCodeExecution, "random scan hint failed").WithCause(err)
	}
	return hex.EncodeToString(b[:]), nil
}
