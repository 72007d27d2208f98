package pipeline

import (
	"time"

	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// Serving variants.
const (
	VariantBatch   = "batch"    // each sample iteration returns a scan batch
	VariantPickOne = "pick-one" // each iteration scans wide and keeps one random record
)

// LanguageSpec binds a language code to its prompt name and synthesis voice.
type LanguageSpec struct {
	Code  string
	Name  string // human-readable name used in the generation prompt
	Voice string // speech synthesis voice ID
}

// Config carries the tunables of both pipelines.
type Config struct {
	// Generation.
	WordCount       int           // words requested per generation run
	PollInterval    time.Duration // wait between synthesis status polls
	MaxPollAttempts int           // poll cap before the item is reported failed
	MaxConcurrency  int           // bound on the per-word fan-out

	// Serving.
	Variant          string
	SampleIterations int // number of randomized sample iterations
	BatchScanLimit   int // records per scan in the batch variant
	PickOneScanLimit int // pool size scanned per iteration in the pick-one variant

	Languages map[string]LanguageSpec
}

// DefaultConfig returns the standard tuning: 5 words per run, 5s poll
// interval with a cap of 10 attempts, 5 serving iterations, batch variant.
func DefaultConfig() Config {
	return Config{
		WordCount:        5,
		PollInterval:     5 * time.Second,
		MaxPollAttempts:  10,
		MaxConcurrency:   5,
		Variant:          VariantBatch,
		SampleIterations: 5,
		BatchScanLimit:   1,
		PickOneScanLimit: 50,
		Languages: map[string]LanguageSpec{
			"en-US": {Code: "en-US", Name: "English", Voice: "Matthew"},
			"nl-NL": {Code: "nl-NL", Name: "Dutch", Voice: "Ruben"},
		},
	}
}

// Normalize fills zero fields with defaults and rejects invalid values.
func (c *Config) Normalize() error {
	d := DefaultConfig()
	if c.WordCount <= 0 {
		c.WordCount = d.WordCount
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = d.MaxPollAttempts
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.Variant == "" {
		c.Variant = d.Variant
	}
	if c.Variant != VariantBatch && c.Variant != VariantPickOne {
		return flow.NewErrorf(flow.ErrCodeValidation, "unknown serving variant %q", c.Variant)
	}
	if c.SampleIterations <= 0 {
		c.SampleIterations = d.SampleIterations
	}
	if c.BatchScanLimit <= 0 {
		c.BatchScanLimit = d.BatchScanLimit
	}
	if c.PickOneScanLimit <= 0 {
		c.PickOneScanLimit = d.PickOneScanLimit
	}
	if len(c.Languages) == 0 {
		c.Languages = d.Languages
	}
	return nil
}

// Language resolves a language code to its spec. Unknown codes are a
// capability error: the system cannot generate or voice that language.
func (c *Config) Language(code string) (LanguageSpec, error) {
	spec, ok := c.Languages[code]
	if !ok {
		return LanguageSpec{}, flow.NewErrorf(flow.ErrCodeCapability,
			"language %q is not configured", code)
	}
	return spec, nil
}
