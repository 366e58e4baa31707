package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to reject unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"speechgw", "mock"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock"},
}

// Load reads the YAML configuration file at path, overlays environment
// variables, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays environment
// variables, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays cfg with values from the environment. lookup is usually
// [os.LookupEnv]; tests inject a map-backed function. Environment values win
// over file values.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	setStr := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
			return
		}
		*dst = n
	}
	setBool := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not a boolean", key, v))
			return
		}
		*dst = b
	}

	setStr("EXO_LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := lookup("EXO_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}

	if v, ok := lookup("PUBSUB_ADAPTER"); ok {
		cfg.PubSub.Adapter = Adapter(v)
	}
	setStr("EXO_REDIS_URL", &cfg.PubSub.RedisURL)
	if v, ok := lookup("EXO_KAFKA_BROKERS"); ok {
		cfg.PubSub.KafkaBrokers = splitList(v)
	}

	setInt("EXO_MAX_BUFFER_MS", &cfg.Ingest.MaxBufferMS)
	setInt("EXO_IDLE_CLOSE_S", &cfg.Ingest.IdleCloseS)

	setBool("EXO_EARLY_AUDIO_FILTER", &cfg.ASR.EarlyAudioFilter)
	setBool("EXO_BRIDGE_ENABLED", &cfg.ASR.BridgeEnabled)
	if v, ok := lookup("EXO_BRIDGE_TENANTS"); ok {
		cfg.ASR.BridgeTenants = splitList(v)
	}
	setStr("EXO_ASR_LANGUAGE", &cfg.ASR.Language)

	setStr("EXO_STT_PROVIDER", &cfg.Providers.STT.Name)
	setStr("EXO_STT_API_KEY", &cfg.Providers.STT.APIKey)
	setStr("EXO_STT_BASE_URL", &cfg.Providers.STT.BaseURL)
	setStr("EXO_LLM_PROVIDER", &cfg.Providers.LLM.Name)
	setStr("EXO_LLM_API_KEY", &cfg.Providers.LLM.APIKey)
	setStr("EXO_LLM_BASE_URL", &cfg.Providers.LLM.BaseURL)
	setStr("EXO_LLM_MODEL", &cfg.Providers.LLM.Model)

	setStr("EXO_POSTGRES_DSN", &cfg.Store.PostgresDSN)

	return errors.Join(errs...)
}

// splitList parses a comma-separated env value into a slice, trimming
// whitespace and dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if !cfg.PubSub.Adapter.IsValid() {
		errs = append(errs, fmt.Errorf("pubsub.adapter %q is invalid; valid values: streams, log, memory", cfg.PubSub.Adapter))
	}
	if cfg.PubSub.Adapter == AdapterStreams && cfg.PubSub.RedisURL == "" {
		errs = append(errs, errors.New("pubsub.redis_url is required when adapter is streams"))
	}
	if cfg.PubSub.Adapter == AdapterLog && len(cfg.PubSub.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("pubsub.kafka_brokers is required when adapter is log"))
	}

	if cfg.Ingest.MaxBufferMS <= 0 {
		errs = append(errs, fmt.Errorf("ingest.max_buffer_ms must be positive, got %d", cfg.Ingest.MaxBufferMS))
	}
	if cfg.Ingest.IdleCloseS <= 0 {
		errs = append(errs, fmt.Errorf("ingest.idle_close_s must be positive, got %d", cfg.Ingest.IdleCloseS))
	}

	errs = append(errs, validateProviderEntry("stt", cfg.Providers.STT)...)
	errs = append(errs, validateProviderEntry("llm", cfg.Providers.LLM)...)

	return errors.Join(errs...)
}

// validateProviderEntry checks a single provider block. Unknown names and
// missing credentials are boot failures rather than runtime surprises.
func validateProviderEntry(kind string, entry ProviderEntry) []error {
	if entry.Name == "" {
		return nil
	}
	var errs []error
	if known := ValidProviderNames[kind]; !slices.Contains(known, entry.Name) {
		errs = append(errs, fmt.Errorf("providers.%s.name %q is unknown; valid values: %s", kind, entry.Name, strings.Join(known, ", ")))
	}
	if entry.Name != "mock" && entry.Name != "ollama" && entry.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.%s.api_key is required for provider %q", kind, entry.Name))
	}
	return errs
}
