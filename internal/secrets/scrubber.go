package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// DefaultRedaction replaces detected secrets.
const DefaultRedaction = "[REDACTED]"

// Config configures the scrubber.
type Config struct {
	// Enabled controls whether scrubbing is active (default: true)
	Enabled bool `koanf:"enabled"`

	// RedactionString is the replacement for detected secrets
	RedactionString string `koanf:"redaction_string"`

	// AllowList holds regexes for values that must never be redacted
	AllowList []string `koanf:"allow_list"`
}

// DefaultConfig returns an enabled configuration with the gitleaks rule set.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RedactionString: DefaultRedaction,
	}
}

// Validate checks that allow list patterns compile.
func (c *Config) Validate() error {
	for i, pattern := range c.AllowList {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
	}
	return nil
}

// Finding represents a detected secret. The matched value is not kept.
type Finding struct {
	RuleID      string `json:"ruleId"`
	Description string `json:"description"`
	Line        int    `json:"line,omitempty"`
}

// Result contains the scrubbing result.
type Result struct {
	Scrubbed string
	Findings []Finding
}

// HasFindings returns true if any secrets were found.
func (r Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the distinct rules that matched, sorted.
func (r Result) RuleIDs() []string {
	seen := make(map[string]struct{}, len(r.Findings))
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		if _, ok := seen[f.RuleID]; ok {
			continue
		}
		seen[f.RuleID] = struct{}{}
		out = append(out, f.RuleID)
	}
	sort.Strings(out)
	return out
}

// Scrubber detects and redacts secrets from content.
type Scrubber interface {
	// Scrub redacts secrets from the content.
	Scrub(content string) Result

	// IsEnabled returns whether scrubbing is enabled.
	IsEnabled() bool
}

type gitleaksScrubber struct {
	config *Config

	// Detector is not safe for concurrent use.
	mu       sync.Mutex
	detector *detect.Detector
}

// New creates a gitleaks-backed Scrubber. If cfg is nil, DefaultConfig() is
// used.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RedactionString == "" {
		cfg.RedactionString = DefaultRedaction
	}

	s := &gitleaksScrubber{config: cfg}
	if !cfg.Enabled {
		return s, nil
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks rules: %w", err)
	}
	if len(cfg.AllowList) > 0 {
		applyAllowList(&detector.Config, cfg.AllowList)
	}
	s.detector = detector
	return s, nil
}

// MustNew creates a new Scrubber, panicking on error.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

func applyAllowList(cfg *gitleaksConfig.Config, patterns []string) {
	allow := &gitleaksConfig.Allowlist{Description: "agenthub allow list"}
	for _, pattern := range patterns {
		// Validated in Config.Validate.
		re := regexp.MustCompile(pattern)
		allow.Regexes = append(allow.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, allow)
}

func (s *gitleaksScrubber) IsEnabled() bool {
	return s.config.Enabled
}

// Scrub replaces every detected secret value with the redaction string.
// Longer matches are replaced first so a secret containing another is not
// left partially visible.
func (s *gitleaksScrubber) Scrub(content string) Result {
	result := Result{Scrubbed: content}
	if !s.config.Enabled || content == "" {
		return result
	}

	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()

	values := make([]string, 0, len(found))
	for _, f := range found {
		result.Findings = append(result.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
		if f.Secret != "" {
			values = append(values, f.Secret)
		}
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, v := range values {
		result.Scrubbed = strings.ReplaceAll(result.Scrubbed, v, s.config.RedactionString)
	}
	return result
}
