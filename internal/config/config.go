package config

import (
	"time"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	TextGen   TextGenConfig   `yaml:"textgen"`
	Synth     SynthConfig     `yaml:"synth"`
	Audio     AudioConfig     `yaml:"audio"`
	Notify    NotifyConfig    `yaml:"notify"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
	CORS      CORSConfig      `yaml:"cors"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"             env:"SERVER_HOST"             env-default:"0.0.0.0"`
	Port            int           `yaml:"port"             env:"SERVER_PORT"             env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     env:"SERVER_IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// DatabaseConfig holds the embedded database settings.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"DATABASE_PATH" env-default:"./spelling-game.db"`
}

// AuthConfig holds the shared-secret header authorizer settings. Every API
// route requires HeaderName to carry HeaderValue.
type AuthConfig struct {
	HeaderName  string `yaml:"header_name"  env:"AUTH_HEADER_NAME"  env-default:"x-custom-auth"`
	HeaderValue string `yaml:"header_value" env:"AUTH_HEADER_VALUE" env-required:"true"`
}

// TextGenConfig holds text-generation client settings.
type TextGenConfig struct {
	Endpoint  string        `yaml:"endpoint"   env:"TEXTGEN_ENDPOINT"   env-required:"true"`
	Model     string        `yaml:"model"      env:"TEXTGEN_MODEL"      env-default:""`
	APIKey    string        `yaml:"api_key"    env:"TEXTGEN_API_KEY"    env-default:""`
	MaxTokens int           `yaml:"max_tokens" env:"TEXTGEN_MAX_TOKENS" env-default:"300"`
	Timeout   time.Duration `yaml:"timeout"    env:"TEXTGEN_TIMEOUT"    env-default:"30s"`
}

// SynthConfig holds speech synthesis client settings.
type SynthConfig struct {
	Endpoint     string        `yaml:"endpoint"      env:"SYNTH_ENDPOINT"      env-required:"true"`
	APIKey       string        `yaml:"api_key"       env:"SYNTH_API_KEY"       env-default:""`
	Engine       string        `yaml:"engine"        env:"SYNTH_ENGINE"        env-default:"standard"`
	OutputFormat string        `yaml:"output_format" env:"SYNTH_OUTPUT_FORMAT" env-default:"mp3"`
	Timeout      time.Duration `yaml:"timeout"       env:"SYNTH_TIMEOUT"       env-default:"15s"`
	SubmitRate   float64       `yaml:"submit_rate"   env:"SYNTH_SUBMIT_RATE"   env-default:"8"`
	SubmitBurst  int           `yaml:"submit_burst"  env:"SYNTH_SUBMIT_BURST"  env-default:"4"`
}

// AudioConfig holds signed audio URL settings. Dir is the local object
// directory synthesized audio lands in, laid out by ref ("<lang>/<file>").
type AudioConfig struct {
	BaseURL string        `yaml:"base_url" env:"AUDIO_BASE_URL" env-default:"http://localhost:8080"`
	Secret  string        `yaml:"secret"   env:"AUDIO_SECRET"   env-required:"true"`
	TTL     time.Duration `yaml:"ttl"      env:"AUDIO_TTL"      env-default:"120s"`
	Dir     string        `yaml:"dir"      env:"AUDIO_DIR"      env-default:"./audio"`
}

// NotifyConfig holds failure notification settings.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url" env:"NOTIFY_WEBHOOK_URL" env-default:""`
	Timeout    time.Duration `yaml:"timeout"     env:"NOTIFY_TIMEOUT"     env-default:"10s"`
}

// PipelineConfig holds the pipeline tunables.
type PipelineConfig struct {
	WordCount        int           `yaml:"word_count"         env:"PIPELINE_WORD_COUNT"         env-default:"5"`
	PollInterval     time.Duration `yaml:"poll_interval"      env:"PIPELINE_POLL_INTERVAL"      env-default:"5s"`
	MaxPollAttempts  int           `yaml:"max_poll_attempts"  env:"PIPELINE_MAX_POLL_ATTEMPTS"  env-default:"10"`
	MaxConcurrency   int           `yaml:"max_concurrency"    env:"PIPELINE_MAX_CONCURRENCY"    env-default:"5"`
	Variant          string        `yaml:"variant"            env:"PIPELINE_VARIANT"            env-default:"batch"`
	SampleIterations int           `yaml:"sample_iterations"  env:"PIPELINE_SAMPLE_ITERATIONS"  env-default:"5"`
	BatchScanLimit   int           `yaml:"batch_scan_limit"   env:"PIPELINE_BATCH_SCAN_LIMIT"   env-default:"1"`
	PickOneScanLimit int           `yaml:"pick_one_scan_limit" env:"PIPELINE_PICK_ONE_SCAN_LIMIT" env-default:"50"`
}

// SchedulerConfig holds generation schedule settings. Languages listed in
// EnabledLanguages run on Cron; everything else stays configured but idle.
type SchedulerConfig struct {
	TickInterval        time.Duration `yaml:"tick_interval"     env:"SCHEDULER_TICK_INTERVAL"     env-default:"30s"`
	Cron                string        `yaml:"cron"              env:"SCHEDULER_CRON"              env-default:"*/5 * * * *"`
	EnabledLanguagesRaw string        `yaml:"enabled_languages" env:"SCHEDULER_ENABLED_LANGUAGES" env-default:""`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// CORSConfig holds CORS settings for the API.
type CORSConfig struct {
	AllowedOrigins string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-default:"*"`
	AllowedMethods string `yaml:"allowed_methods" env:"CORS_ALLOWED_METHODS" env-default:"GET,POST,OPTIONS"`
	AllowedHeaders string `yaml:"allowed_headers" env:"CORS_ALLOWED_HEADERS" env-default:"Content-Type,x-custom-auth"`
}
