package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all thinkwatch configuration.
type Config struct {
	Proxy       ProxyConfig       `yaml:"proxy" toml:"proxy"`
	Tracker     TrackerConfig     `yaml:"tracker" toml:"tracker"`
	Classifier  ClassifierConfig  `yaml:"classifier" toml:"classifier"`
	Supervisors SupervisorsConfig `yaml:"supervisors" toml:"supervisors"`
	Rules       []RuleConfig      `yaml:"rules" toml:"rules"`
	Escalation  EscalationConfig  `yaml:"escalation" toml:"escalation"`
	Learning    LearningConfig    `yaml:"learning" toml:"learning"`
	Store       StoreConfig       `yaml:"store" toml:"store"`
	Events      EventsConfig      `yaml:"events" toml:"events"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ProxyConfig configures the local listener and the upstream API.
type ProxyConfig struct {
	Listen            string `yaml:"listen" toml:"listen"`
	UpstreamHost      string `yaml:"upstream_host" toml:"upstream_host"`
	UpstreamPort      int    `yaml:"upstream_port" toml:"upstream_port"`
	MessagesPath      string `yaml:"messages_path" toml:"messages_path"`
	ShutdownGrace     string `yaml:"shutdown_grace" toml:"shutdown_grace"`
	MaxRequestCapture int64  `yaml:"max_request_capture" toml:"max_request_capture"` // bytes
}

// TrackerConfig configures reasoning chunk flushing.
type TrackerConfig struct {
	MinChunkSize  int    `yaml:"min_chunk_size" toml:"min_chunk_size"`
	FlushInterval string `yaml:"flush_interval" toml:"flush_interval"`
}

// ClassifierConfig configures the fast and deep classifier tiers.
type ClassifierConfig struct {
	Provider        string  `yaml:"provider" toml:"provider"`
	APIKey          string  `yaml:"api_key" toml:"api_key"`
	BaseURL         string  `yaml:"base_url" toml:"base_url"`
	FastModel       string  `yaml:"fast_model" toml:"fast_model"`
	DeepModel       string  `yaml:"deep_model" toml:"deep_model"`
	Timeout         string  `yaml:"timeout" toml:"timeout"`
	FastCostPerMTok float64 `yaml:"fast_cost_per_mtok" toml:"fast_cost_per_mtok"`
	DeepCostPerMTok float64 `yaml:"deep_cost_per_mtok" toml:"deep_cost_per_mtok"`
	FastMaxTokens   int     `yaml:"fast_max_tokens" toml:"fast_max_tokens"`
	DeepMaxTokens   int     `yaml:"deep_max_tokens" toml:"deep_max_tokens"`
}

// SpecialistTuning holds the debounce and cache knobs for one specialist kind.
type SpecialistTuning struct {
	Debounce      string `yaml:"debounce" toml:"debounce"`
	MaxBatchChars int    `yaml:"max_batch_chars" toml:"max_batch_chars"`
	CacheSize     int    `yaml:"cache_size" toml:"cache_size"`
	CacheTTL      string `yaml:"cache_ttl" toml:"cache_ttl"`
}

// SpecialistConfig declares one specialist leaf.
type SpecialistConfig struct {
	ID       string   `yaml:"id" toml:"id"`
	Name     string   `yaml:"name" toml:"name"`
	Kind     string   `yaml:"kind" toml:"kind"`         // behavior, scope
	Category string   `yaml:"category" toml:"category"` // behavior only
	Keywords []string `yaml:"keywords" toml:"keywords"`
}

// CoordinatorConfig declares one coordinator and its specialists.
type CoordinatorConfig struct {
	ID          string             `yaml:"id" toml:"id"`
	Name        string             `yaml:"name" toml:"name"`
	Description string             `yaml:"description" toml:"description"`
	Keywords    []string           `yaml:"keywords" toml:"keywords"`
	Specialists []SpecialistConfig `yaml:"specialists" toml:"specialists"`
}

// SupervisorsConfig configures the supervisor tree.
type SupervisorsConfig struct {
	RouterCacheTTL            string              `yaml:"router_cache_ttl" toml:"router_cache_ttl"`
	RouterDebounce            string              `yaml:"router_debounce" toml:"router_debounce"`
	CachePrefixLen            int                 `yaml:"cache_prefix_len" toml:"cache_prefix_len"`
	Behavior                  SpecialistTuning    `yaml:"behavior" toml:"behavior"`
	Scope                     SpecialistTuning    `yaml:"scope" toml:"scope"`
	Rule                      SpecialistTuning    `yaml:"rule" toml:"rule"`
	GlobalCompletionThreshold float64             `yaml:"global_completion_threshold" toml:"global_completion_threshold"`
	RuleViolationThreshold    float64             `yaml:"rule_violation_threshold" toml:"rule_violation_threshold"`
	Coordinators              []CoordinatorConfig `yaml:"coordinators" toml:"coordinators"`
	Disabled                  []string            `yaml:"disabled" toml:"disabled"`
}

// RuleConfig is one user-defined free-text rule.
type RuleConfig struct {
	ID          string   `yaml:"id" toml:"id"`
	Description string   `yaml:"description" toml:"description"`
	Severity    string   `yaml:"severity" toml:"severity"`
	Keywords    []string `yaml:"keywords" toml:"keywords"`
}

// EscalationConfig configures confidence scoring and deep-tier escalation.
type EscalationConfig struct {
	Threshold           float64 `yaml:"threshold" toml:"threshold"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" toml:"similarity_threshold"`
	MergeSimilarity     float64 `yaml:"merge_similarity" toml:"merge_similarity"`
	LearnMinConfidence  float64 `yaml:"learn_min_confidence" toml:"learn_min_confidence"`
	MaxPatterns         int     `yaml:"max_patterns" toml:"max_patterns"`
	MaxAge              string  `yaml:"max_age" toml:"max_age"`
	EscalateOK          bool    `yaml:"escalate_ok" toml:"escalate_ok"`
}

// LearningConfig configures the n-gram pattern learner.
type LearningConfig struct {
	NGramMin       int    `yaml:"ngram_min" toml:"ngram_min"`
	NGramMax       int    `yaml:"ngram_max" toml:"ngram_max"`
	MinOccurrences int    `yaml:"min_occurrences" toml:"min_occurrences"`
	MaxAge         string `yaml:"max_age" toml:"max_age"`
	MaxPatterns    int    `yaml:"max_patterns" toml:"max_patterns"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// EventsConfig configures event fan-out.
type EventsConfig struct {
	Buffer        int    `yaml:"buffer" toml:"buffer"`
	NATSURL       string `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen:            "127.0.0.1:8888",
			UpstreamHost:      "api.anthropic.com",
			UpstreamPort:      443,
			MessagesPath:      "/v1/messages",
			ShutdownGrace:     "2s",
			MaxRequestCapture: 4 << 20,
		},
		Tracker: TrackerConfig{
			MinChunkSize:  100,
			FlushInterval: "1500ms",
		},
		Classifier: ClassifierConfig{
			Provider:        "anthropic",
			BaseURL:         "https://api.anthropic.com/v1",
			FastModel:       "claude-3-5-haiku-latest",
			DeepModel:       "claude-sonnet-4-5",
			Timeout:         "30s",
			FastCostPerMTok: 1.0,
			DeepCostPerMTok: 3.0,
			FastMaxTokens:   300,
			DeepMaxTokens:   1000,
		},
		Supervisors: SupervisorsConfig{
			RouterCacheTTL:            "5m",
			RouterDebounce:            "300ms",
			CachePrefixLen:            100,
			Behavior:                  SpecialistTuning{Debounce: "500ms", MaxBatchChars: 2000, CacheSize: 100, CacheTTL: "30s"},
			Scope:                     SpecialistTuning{Debounce: "800ms", MaxBatchChars: 3000, CacheSize: 100, CacheTTL: "45s"},
			Rule:                      SpecialistTuning{Debounce: "400ms", MaxBatchChars: 2000, CacheSize: 200, CacheTTL: "60s"},
			GlobalCompletionThreshold: 0.6,
			RuleViolationThreshold:    0.7,
			Coordinators:              DefaultCoordinators(),
		},
		Escalation: EscalationConfig{
			Threshold:           80,
			SimilarityThreshold: 0.7,
			MergeSimilarity:     0.8,
			LearnMinConfidence:  85,
			MaxPatterns:         500,
			MaxAge:              "720h",
		},
		Learning: LearningConfig{
			NGramMin:       2,
			NGramMax:       5,
			MinOccurrences: 3,
			MaxAge:         "720h",
			MaxPatterns:    1000,
		},
		Store: StoreConfig{
			Path: ".thinkwatch/thinkwatch.db",
		},
		Events: EventsConfig{
			Buffer:        256,
			SubjectPrefix: "thinkwatch",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultCoordinators returns the built-in supervisor tree below the router.
// Order matters: the router picks the first coordinator whose keywords match.
func DefaultCoordinators() []CoordinatorConfig {
	return []CoordinatorConfig{
		{
			ID:          "completion",
			Name:        "Completion",
			Description: "claims that work is finished, done or fully implemented",
			Keywords:    []string{"terminei", "pronto", "concluido", "conclui", "finalizei", "tudo feito", "done", "finished", "completed", "all set"},
			Specialists: []SpecialistConfig{
				{ID: "task-progress", Name: "Task Progress", Kind: "scope", Keywords: []string{"terminei", "pronto", "conclu", "finalizei", "tudo", "done", "finished", "complete", "all"}},
				{ID: "false-completion", Name: "False Completion", Kind: "behavior", Category: "false-completion", Keywords: []string{"terminei", "pronto", "conclu", "done", "finished", "complete", "funcionando", "working"}},
			},
		},
		{
			ID:          "behavior",
			Name:        "Behavior",
			Description: "reducing the scope of the task or postponing parts of it",
			Keywords:    []string{" so ", "apenas", "por enquanto", "simplific", "depois", "mais tarde", "just", "only", "for now", "simplif", "later", "skip", "placeholder", "todo"},
			Specialists: []SpecialistConfig{
				{ID: "scope-reduction", Name: "Scope Reduction", Kind: "behavior", Category: "scope-reduction", Keywords: []string{" so ", "apenas", "por enquanto", "simplific", "parte principal", "just", "only", "for now", "simplif", "minimal", "basic"}},
				{ID: "procrastination", Name: "Procrastination", Kind: "behavior", Category: "procrastination", Keywords: []string{"depois", "mais tarde", "proxima", "later", "next time", "eventually", "todo", "placeholder", "skip"}},
			},
		},
	}
}

// Load loads configuration from a YAML or TOML file.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML or TOML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	format := "yaml"
	if isTOML(path) {
		format = "toml"
	}
	data, err := c.Marshal(format)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Marshal encodes the configuration as "yaml" or "toml".
func (c *Config) Marshal(format string) ([]byte, error) {
	if format == "toml" {
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(c); err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		return []byte(sb.String()), nil
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// DefaultPath returns the default config path inside a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".thinkwatch", "config.yaml")
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Classifier.APIKey = key
	}
	if listen := os.Getenv("THINKWATCH_LISTEN"); listen != "" {
		c.Proxy.Listen = listen
	}
	if upstream := os.Getenv("THINKWATCH_UPSTREAM"); upstream != "" {
		c.Proxy.UpstreamHost = upstream
	}
	if path := os.Getenv("THINKWATCH_DB"); path != "" {
		c.Store.Path = path
	}
	if url := os.Getenv("THINKWATCH_NATS_URL"); url != "" {
		c.Events.NATSURL = url
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Proxy.Listen); err != nil {
		return fmt.Errorf("invalid proxy.listen %q: %w", c.Proxy.Listen, err)
	}
	if c.Proxy.UpstreamHost == "" {
		return fmt.Errorf("proxy.upstream_host must be set")
	}
	if c.Proxy.UpstreamPort <= 0 || c.Proxy.UpstreamPort > 65535 {
		return fmt.Errorf("proxy.upstream_port out of range: %d", c.Proxy.UpstreamPort)
	}
	if c.Tracker.MinChunkSize < 1 {
		return fmt.Errorf("tracker.min_chunk_size must be >= 1")
	}
	if c.Escalation.Threshold < 0 || c.Escalation.Threshold > 100 {
		return fmt.Errorf("escalation.threshold must be in [0,100]")
	}
	if c.Escalation.SimilarityThreshold <= 0 || c.Escalation.SimilarityThreshold > 1 {
		return fmt.Errorf("escalation.similarity_threshold must be in (0,1]")
	}
	if c.Learning.NGramMin < 1 || c.Learning.NGramMax < c.Learning.NGramMin {
		return fmt.Errorf("learning ngram bounds invalid: min=%d max=%d", c.Learning.NGramMin, c.Learning.NGramMax)
	}
	seen := make(map[string]bool)
	for _, r := range c.Rules {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("rule id must not be empty")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id: %s", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// GetDuration parses a duration string, falling back to def on error.
func GetDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetFlushInterval returns the tracker flush interval.
func (c *Config) GetFlushInterval() time.Duration {
	return GetDuration(c.Tracker.FlushInterval, 1500*time.Millisecond)
}

// GetShutdownGrace returns the proxy shutdown grace period.
func (c *Config) GetShutdownGrace() time.Duration {
	return GetDuration(c.Proxy.ShutdownGrace, 2*time.Second)
}

// GetClassifierTimeout returns the classifier HTTP timeout.
func (c *Config) GetClassifierTimeout() time.Duration {
	return GetDuration(c.Classifier.Timeout, 30*time.Second)
}

// GetRouterCacheTTL returns the router classification cache TTL.
func (c *Config) GetRouterCacheTTL() time.Duration {
	return GetDuration(c.Supervisors.RouterCacheTTL, 5*time.Minute)
}

// GetRouterDebounce returns the router fallback classification debounce window.
func (c *Config) GetRouterDebounce() time.Duration {
	return GetDuration(c.Supervisors.RouterDebounce, 300*time.Millisecond)
}

// GetPatternMaxAge returns the inactivity age after which escalation patterns are pruned.
func (c *Config) GetPatternMaxAge() time.Duration {
	return GetDuration(c.Escalation.MaxAge, 30*24*time.Hour)
}

// GetLearningMaxAge returns the inactivity age after which learned n-grams are pruned.
func (c *Config) GetLearningMaxAge() time.Duration {
	return GetDuration(c.Learning.MaxAge, 30*24*time.Hour)
}
