package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pubudusj/spelling-game-backend/internal/engine"
	"github.com/pubudusj/spelling-game-backend/internal/logging"
	"github.com/pubudusj/spelling-game-backend/internal/services"
	"github.com/pubudusj/spelling-game-backend/internal/store"
	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// GenerationGraphName identifies generation runs in the run log.
const GenerationGraphName = "generation"

// Generation owns the word-generation pipeline: candidate words from the
// text model, a fan-out per word through asynchronous speech synthesis,
// and persistence of the completed words.
type Generation struct {
	cfg     Config
	store   store.Store
	textgen *services.TextGenClient
	synth   *services.SynthClient
	notify  *services.NotifySink
	logger  *slog.Logger
	now     func() time.Time
}

// NewGeneration wires the generation pipeline. cfg must be normalized.
func NewGeneration(cfg Config, st store.Store, textgen *services.TextGenClient, synth *services.SynthClient, notify *services.NotifySink, logger *slog.Logger) (*Generation, error) {
	if st == nil || textgen == nil || synth == nil || notify == nil {
		return nil, flow.NewError(flow.ErrCodeValidation, "generation pipeline requires store, textgen, synth and notify")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generation{
		cfg:     cfg,
		store:   st,
		textgen: textgen,
		synth:   synth,
		notify:  notify,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// RegisterHandlers adds the generation task handlers to the registry.
func (g *Generation) RegisterHandlers(r *engine.Registry) error {
	handlers := map[string]engine.TaskHandler{
		"textgen.generate": g.generateWords,
		"synth.submit":     g.submitSynthesis,
		"synth.status":     g.synthesisStatus,
		"words.persist":    g.persistWord,
		"notify.failure":   g.reportFailure,
	}
	for name, h := range handlers {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// Graph builds the generation graph: request candidates, fan out per word,
// submit synthesis, poll with a capped wait loop, persist or report.
func (g *Generation) Graph() *flow.Graph {
	iterator := &flow.Graph{
		Name:    "generation-per-word",
		StartAt: "SubmitSynthesis",
		States: map[string]*flow.State{
			"SubmitSynthesis": {
				Type:       flow.StateTask,
				Resource:   "synth.submit",
				ResultPath: "job",
				Next:       "PollSynthesisStatus",
				Catch:      &flow.Catch{Next: "ReportFailure", ResultPath: "failure"},
			},
			"PollSynthesisStatus": {
				Type:       flow.StateTask,
				Resource:   "synth.status",
				ResultPath: "job",
				Next:       "CountPoll",
				Catch:      &flow.Catch{Next: "ReportFailure", ResultPath: "failure"},
			},
			// Tracks attempts for the poll cap. The transform always yields a
			// jq number, so the choice below compares doubles.
			"CountPoll": {
				Type:       flow.StatePass,
				Transform:  `(.doc.polls // 0) + 1`,
				ResultPath: "polls",
				Next:       "StatusChoice",
			},
			"StatusChoice": {
				Type: flow.StateChoice,
				Choices: []flow.ChoiceRule{
					{When: `doc.job.status == "completed"`, Next: "PersistWord"},
					{When: `doc.job.status == "failed"`, Next: "ReportFailure"},
					{When: fmt.Sprintf("doc.polls >= %d.0", g.cfg.MaxPollAttempts), Next: "ReportFailure"},
				},
				Otherwise: "WaitThenPoll",
			},
			"WaitThenPoll": {
				Type:     flow.StateWait,
				Duration: g.cfg.PollInterval,
				Next:     "PollSynthesisStatus",
			},
			"PersistWord": {
				Type:       flow.StateTask,
				Resource:   "words.persist",
				ResultPath: "persisted",
				Next:       "Done",
				Catch:      &flow.Catch{Next: "ReportFailure", ResultPath: "failure"},
			},
			// A failed item is contained here: the notification goes out and
			// the iterator still ends in success, so one bad word never sinks
			// the whole fan-out.
			"ReportFailure": {
				Type:       flow.StateTask,
				Resource:   "notify.failure",
				ResultPath: "notified",
				Next:       "Done",
			},
			"Done": {Type: flow.StateSucceed},
		},
	}

	return &flow.Graph{
		Name:    GenerationGraphName,
		StartAt: "RequestCandidateWords",
		States: map[string]*flow.State{
			"RequestCandidateWords": {
				Type:       flow.StateTask,
				Resource:   "textgen.generate",
				ResultPath: "words",
				Timeout:    time.Minute,
				Next:       "FanOutPerWord",
			},
			"FanOutPerWord": {
				Type:           flow.StateMap,
				ItemsPath:      "words",
				ItemSelector:   `{language: .doc.language, word: .item.word, description: .item.description, polls: 0}`,
				Iterator:       iterator,
				MaxConcurrency: g.cfg.MaxConcurrency,
				ResultPath:     "results",
				Next:           "Summarize",
			},
			"Summarize": {
				Type: flow.StatePass,
				Transform: `{
					language: .doc.language,
					requested: (.doc.words | length),
					persisted: ([.doc.results[] | select(.persisted != null)] | length),
					failed: ([.doc.results[] | select(.notified != null)] | length)
				}`,
				Next: "Done",
			},
			"Done": {Type: flow.StateSucceed},
		},
	}
}

// Run executes one generation run for a language.
func (g *Generation) Run(ctx context.Context, eng *engine.Engine, language string) (*engine.Result, error) {
	if _, err := g.cfg.Language(language); err != nil {
		return nil, err
	}
	ctx = logging.WithLanguage(ctx, language)
	return eng.Execute(ctx, g.Graph(), flow.Document{"language": language})
}

// generateWords asks the text model for candidate words in the document's
// language. The result is an array so the map state can fan out over it.
func (g *Generation) generateWords(ctx context.Context, doc flow.Document) (any, error) {
	spec, err := g.cfg.Language(doc.GetString("language"))
	if err != nil {
		return nil, err
	}

	words, err := g.textgen.GenerateWords(ctx, spec.Name, g.cfg.WordCount)
	if err != nil {
		return nil, err
	}

	items := make([]any, len(words))
	for i, w := range words {
		items[i] = map[string]any{"word": w.Word, "description": w.Description}
	}
	return items, nil
}

// submitSynthesis starts the asynchronous synthesis task for one word.
func (g *Generation) submitSynthesis(ctx context.Context, doc flow.Document) (any, error) {
	spec, err := g.cfg.Language(doc.GetString("language"))
	if err != nil {
		return nil, err
	}
	word := doc.GetString("word")
	if word == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "document has no word to synthesize")
	}

	job, err := g.synth.Submit(ctx, services.SynthSubmission{
		Text:         word,
		VoiceID:      spec.Voice,
		OutputPrefix: spec.Code + "/",
	})
	if err != nil {
		return nil, err
	}
	return jobDocument(job), nil
}

// synthesisStatus refreshes the job state for the poll loop.
func (g *Generation) synthesisStatus(ctx context.Context, doc flow.Document) (any, error) {
	jobID := doc.GetString("job.id")
	if jobID == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "document has no synthesis job id")
	}

	job, err := g.synth.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return jobDocument(job), nil
}

// persistWord writes the completed word to the store. The composite key
// (language partition, MD5 of the word text) makes re-runs idempotent.
func (g *Generation) persistWord(ctx context.Context, doc flow.Document) (any, error) {
	language := doc.GetString("language")
	word := doc.GetString("word")
	if language == "" || word == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "document is missing language or word")
	}
	audioRef := doc.GetString("job.output_ref")
	if audioRef == "" {
		return nil, flow.NewError(flow.ErrCodeMalformedOutput, "completed synthesis job has no output ref")
	}

	charCount := 0
	if v, ok := doc.Get("job.request_characters"); ok {
		switch n := v.(type) {
		case int:
			charCount = n
		case float64:
			charCount = int(n)
		}
	}

	rec := &store.WordRecord{
		PartitionKey: store.WordPartition(language),
		SortKey:      store.ContentHash(word),
		Word:         word,
		Description:  doc.GetString("description"),
		AudioRef:     audioRef,
		CharCount:    charCount,
		UpdatedAt:    g.now().UTC(),
	}
	if err := g.store.PutWord(ctx, rec); err != nil {
		return nil, err
	}

	logging.LogWith(ctx, g.logger).Info("word persisted",
		slog.String("word_key", rec.SortKey), slog.String("language", language))
	return map[string]any{"pk": rec.PartitionKey, "sk": rec.SortKey}, nil
}

// reportFailure delivers a notification for one failed item. It never
// returns the sink's error as a task failure would re-enter the catch.
func (g *Generation) reportFailure(ctx context.Context, doc flow.Document) (any, error) {
	// The full working document goes along so the receiver sees exactly
	// the state the item failed in.
	detail := map[string]any{
		"word":   doc.GetString("word"),
		"output": map[string]any(doc.Clone()),
	}
	if failure, ok := doc.Get("failure"); ok {
		detail["failure"] = failure
	}
	if status := doc.GetString("job.status"); status != "" {
		detail["job_status"] = status
	}
	if reason := doc.GetString("job.reason"); reason != "" {
		detail["reason"] = reason
	}

	err := g.notify.Notify(ctx, services.Notification{
		Subject:  "word generation failed",
		Graph:    GenerationGraphName,
		Language: doc.GetString("language"),
		Detail:   detail,
	})
	if err != nil {
		logging.LogWith(ctx, g.logger).Error("failure notification not delivered",
			slog.String("error", err.Error()))
	}
	return map[string]any{"delivered": err == nil}, nil
}

func jobDocument(job *services.SynthesisJob) map[string]any {
	m := map[string]any{
		"id":     job.ID,
		"status": job.Status,
	}
	if job.OutputRef != "" {
		m["output_ref"] = job.OutputRef
	}
	if job.RequestCharacters > 0 {
		m["request_characters"] = job.RequestCharacters
	}
	if job.Reason != "" {
		m["reason"] = job.Reason
	}
	return m
}
