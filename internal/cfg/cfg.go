package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // -timezone must resolve in minimal images

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/lg1805/icss-web-app/internal/escalation"
	"github.com/lg1805/icss-web-app/internal/risk"
)

// Classifier backends.
const (
	ClassifierNone        = "none"
	ClassifierClaude      = "claude"
	ClassifierModelServer = "modelserver"
)

// ProfileCustom selects the -rpn-mid/-rpn-high thresholds.
const ProfileCustom = "custom"

// Config holds application settings. Each field is bound to a flag by
// RegisterFlags and may be filled from ICSS_ environment variables.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL     string
	SQLitePath      string
	SlackWebhookURL string
	CatalogPath     string
	PolicyPath      string

	RPNProfile          string
	RPNMid              int
	RPNHigh             int
	TierStrategy        string
	LabelHeuristic      bool
	EscalationPolicy    string
	HourYellow          time.Duration
	HourBlue            time.Duration
	DateFormats         string
	Timezone            string
	SimilarityThreshold float64
	DefaultSOD          string
	RankByRPN           bool
	RankByAge           bool

	Classifier        string
	ClaudeAPIKey      string
	ClaudeModel       string
	ModelServerURL    string
	ModelServerKey    string
	ClassifierTimeout time.Duration
	EmbedderURL       string
	EmbedderKey       string
	EmbedTimeout      time.Duration

	BatchTimeout      time.Duration
	RefreshSchedule   string
	RefreshWindowDays int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token(s) required on the API, comma separated (empty = no auth)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (takes precedence over -sqlite-path)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (empty with no database-url = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for batch summaries")
	fs.StringVar(&c.CatalogPath, "catalog-path", "", "YAML component catalog (empty = every component resolves to unknown)")
	fs.StringVar(&c.PolicyPath, "policy-path", "", "optional YAML file overriding the scoring and escalation policy")

	fs.StringVar(&c.RPNProfile, "rpn-profile", "standard", "RPN threshold profile (standard|sensitive|custom)")
	fs.IntVar(&c.RPNMid, "rpn-mid", 0, "Moderate tier RPN threshold when -rpn-profile=custom")
	fs.IntVar(&c.RPNHigh, "rpn-high", 0, "High tier RPN threshold when -rpn-profile=custom")
	fs.StringVar(&c.TierStrategy, "tier-strategy", risk.StrategyRPN, "tiering strategy (rpn|text)")
	fs.BoolVar(&c.LabelHeuristic, "label-heuristic", false, "derive S/O/D from the classifier label for unresolved records (text strategy only)")
	fs.StringVar(&c.EscalationPolicy, "escalation-policy", string(escalation.PolicyHours), "escalation banding (hours|days)")
	fs.DurationVar(&c.HourYellow, "hour-yellow", escalation.DefaultHourBands.Yellow, "age at which the hours policy turns Yellow")
	fs.DurationVar(&c.HourBlue, "hour-blue", escalation.DefaultHourBands.Blue, "age beyond which the hours policy turns Blue")
	fs.StringVar(&c.DateFormats, "date-formats", "", "semicolon separated Go time layouts tried in order (empty = built-in list)")
	fs.StringVar(&c.Timezone, "timezone", "UTC", "IANA zone for creation times without an offset")
	fs.Float64Var(&c.SimilarityThreshold, "similarity-threshold", 0.5, "minimum cosine similarity for a fallback component match (0..1]")
	fs.StringVar(&c.DefaultSOD, "default-sod", "1,1,10", "severity,occurrence,detection applied to unresolved components")
	fs.BoolVar(&c.RankByRPN, "rank-by-rpn", false, "order records of equal tier by RPN descending")
	fs.BoolVar(&c.RankByAge, "rank-by-age", false, "order remaining ties oldest first (default keeps input order)")

	fs.StringVar(&c.Classifier, "classifier", ClassifierNone, "text classifier backend (none|claude|modelserver)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude classifier")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model used for classification")
	fs.StringVar(&c.ModelServerURL, "modelserver-url", "", "base URL of the trained-model classification server")
	fs.StringVar(&c.ModelServerKey, "modelserver-key", "", "bearer key for the model server")
	fs.DurationVar(&c.ClassifierTimeout, "classifier-timeout", 10*time.Second, "per-record classifier call timeout")
	fs.StringVar(&c.EmbedderURL, "embedder-url", "", "embedding service URL for similarity fallback (empty = keyword matching only)")
	fs.StringVar(&c.EmbedderKey, "embedder-key", "", "bearer key for the embedding service")
	fs.DurationVar(&c.EmbedTimeout, "embed-timeout", 10*time.Second, "per-call embedding timeout")

	fs.DurationVar(&c.BatchTimeout, "batch-timeout", 5*time.Minute, "maximum time to triage one batch")
	fs.StringVar(&c.RefreshSchedule, "refresh-schedule", "@hourly", "cron schedule re-evaluating escalation of recent batches (empty = disabled)")
	fs.IntVar(&c.RefreshWindowDays, "refresh-window-days", 7, "age of the oldest batch the refresh job re-evaluates (1..90)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if _, err := c.Thresholds(); err != nil {
		errs = append(errs, err)
	}

	switch c.TierStrategy {
	case risk.StrategyRPN:
		if c.LabelHeuristic {
			errs = append(errs, errors.New("LABEL_HEURISTIC requires TIER_STRATEGY=text"))
		}
	case risk.StrategyText:
		if c.Classifier == ClassifierNone {
			errs = append(errs, errors.New("TIER_STRATEGY=text requires a CLASSIFIER"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid TIER_STRATEGY %q (must be rpn or text)", c.TierStrategy))
	}

	switch escalation.Policy(c.EscalationPolicy) {
	case escalation.PolicyHours, escalation.PolicyDays:
	default:
		errs = append(errs, fmt.Errorf("invalid ESCALATION_POLICY %q (must be hours or days)", c.EscalationPolicy))
	}
	if c.HourYellow <= 0 || c.HourBlue < c.HourYellow {
		errs = append(errs, fmt.Errorf("invalid hour bands yellow=%s blue=%s (need 0 < yellow <= blue)", c.HourYellow, c.HourBlue))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err))
	}

	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid SIMILARITY_THRESHOLD %v (must be in (0, 1])", c.SimilarityThreshold))
	}
	if _, err := c.DefaultTriple(); err != nil {
		errs = append(errs, err)
	}

	switch c.Classifier {
	case ClassifierNone:
	case ClassifierClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required with CLASSIFIER=claude"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required with CLASSIFIER=claude"))
		}
	case ClassifierModelServer:
		if err := checkURL("MODELSERVER_URL", c.ModelServerURL); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CLASSIFIER %q (must be none, claude or modelserver)", c.Classifier))
	}
	if c.ClassifierTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid CLASSIFIER_TIMEOUT %s", c.ClassifierTimeout))
	}

	if c.EmbedderURL != "" {
		if err := checkURL("EMBEDDER_URL", c.EmbedderURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.EmbedTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid EMBED_TIMEOUT %s", c.EmbedTimeout))
	}
	if c.SlackWebhookURL != "" {
		if err := checkURL("SLACK_WEBHOOK_URL", c.SlackWebhookURL); err != nil {
			errs = append(errs, err)
		}
	}

	if c.BatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid BATCH_TIMEOUT %s", c.BatchTimeout))
	}
	if c.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.RefreshSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid REFRESH_SCHEDULE %q: %w", c.RefreshSchedule, err))
		}
	}
	if c.RefreshWindowDays <= 0 || c.RefreshWindowDays > 90 {
		errs = append(errs, fmt.Errorf("invalid REFRESH_WINDOW_DAYS %d (must be 1..90)", c.RefreshWindowDays))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s %q (must be an http(s) URL)", name, raw)
	}
	return nil
}

// Thresholds resolves the RPN profile to concrete cut-offs.
func (c *Config) Thresholds() (risk.Thresholds, error) {
	if strings.EqualFold(c.RPNProfile, ProfileCustom) {
		th := risk.Thresholds{Mid: c.RPNMid, High: c.RPNHigh}
		if err := th.Validate(); err != nil {
			return risk.Thresholds{}, fmt.Errorf("invalid custom RPN thresholds: %w", err)
		}
		return th, nil
	}
	th, ok := risk.Profile(c.RPNProfile)
	if !ok {
		return risk.Thresholds{}, fmt.Errorf("invalid RPN_PROFILE %q (must be one of %s or custom)",
			c.RPNProfile, strings.Join(risk.ProfileNames(), ", "))
	}
	return th, nil
}

// DefaultTriple parses -default-sod.
func (c *Config) DefaultTriple() (risk.Triple, error) {
	parts := strings.Split(c.DefaultSOD, ",")
	if len(parts) != 3 {
		return risk.Triple{}, fmt.Errorf("invalid DEFAULT_SOD %q (want severity,occurrence,detection)", c.DefaultSOD)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return risk.Triple{}, fmt.Errorf("invalid DEFAULT_SOD %q: %w", c.DefaultSOD, err)
		}
		v[i] = n
	}
	t := risk.Triple{Severity: v[0], Occurrence: v[1], Detection: v[2]}
	if err := t.Validate(); err != nil {
		return risk.Triple{}, fmt.Errorf("invalid DEFAULT_SOD %q: %w", c.DefaultSOD, err)
	}
	return t, nil
}

// Escalation builds the escalation clock configuration. Call after Validate.
func (c *Config) Escalation() escalation.Config {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc = time.UTC
	}
	var formats []string
	for _, f := range strings.Split(c.DateFormats, ";") {
		if f = strings.TrimSpace(f); f != "" {
			formats = append(formats, f)
		}
	}
	return escalation.Config{
		Policy:   escalation.Policy(c.EscalationPolicy),
		Formats:  formats,
		Location: loc,
		Hours:    escalation.HourBands{Yellow: c.HourYellow, Blue: c.HourBlue},
	}
}

// APITokens splits -api-token into the accepted tokens.
func (c *Config) APITokens() []string {
	var out []string
	for _, t := range strings.Split(c.APIToken, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// PolicyFile is the optional YAML policy override document.
//
//	rpn_profile: custom
//	thresholds: {mid: 90, high: 180}
//	escalation_policy: days
//	hour_bands: {yellow: 12h, blue: 18h}
//	date_formats: ["02.01.2006"]
//	default_triple: {severity: 2, occurrence: 1, detection: 10}
//	similarity_threshold: 0.6
//	rank_by_age: true
type PolicyFile struct {
	RPNProfile          string           `yaml:"rpn_profile"`
	Thresholds          *risk.Thresholds `yaml:"thresholds"`
	EscalationPolicy    string           `yaml:"escalation_policy"`
	HourBands           *policyHourBands `yaml:"hour_bands"`
	DateFormats         []string         `yaml:"date_formats"`
	DefaultTriple       *risk.Triple     `yaml:"default_triple"`
	SimilarityThreshold *float64         `yaml:"similarity_threshold"`
	RankByRPN           *bool            `yaml:"rank_by_rpn"`
	RankByAge           *bool            `yaml:"rank_by_age"`
}

type policyHourBands struct {
	Yellow time.Duration `yaml:"yellow"`
	Blue   time.Duration `yaml:"blue"`
}

// ApplyPolicyFile overlays the document at c.PolicyPath, if set, onto c.
// Fields absent from the document keep their flag values. Call before
// Validate.
func (c *Config) ApplyPolicyFile() error {
	if c.PolicyPath == "" {
		return nil
	}
	b, err := os.ReadFile(c.PolicyPath) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var p PolicyFile
	if err := yaml.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("decode policy file: %w", err)
	}

	if p.RPNProfile != "" {
		c.RPNProfile = p.RPNProfile
	}
	if p.Thresholds != nil {
		c.RPNProfile = ProfileCustom
		c.RPNMid, c.RPNHigh = p.Thresholds.Mid, p.Thresholds.High
	}
	if p.EscalationPolicy != "" {
		c.EscalationPolicy = p.EscalationPolicy
	}
	if p.HourBands != nil {
		c.HourYellow, c.HourBlue = p.HourBands.Yellow, p.HourBands.Blue
	}
	if len(p.DateFormats) > 0 {
		c.DateFormats = strings.Join(p.DateFormats, ";")
	}
	if t := p.DefaultTriple; t != nil {
		c.DefaultSOD = fmt.Sprintf("%d,%d,%d", t.Severity, t.Occurrence, t.Detection)
	}
	if p.SimilarityThreshold != nil {
		c.SimilarityThreshold = *p.SimilarityThreshold
	}
	if p.RankByRPN != nil {
		c.RankByRPN = *p.RankByRPN
	}
	if p.RankByAge != nil {
		c.RankByAge = *p.RankByAge
	}
	return nil
}
