// Package classify implements the gate's bot-likelihood scoring.
//
// Scoring philosophy:
//
//	Each signal contributes a fixed, configurable weight to the risk
//	score. Weights are additive and the verdict is a simple threshold
//	comparison: a linear, explainable rule with no learned model, so
//	every verdict carries human-inspectable reason strings.
//
// The weights and threshold are heuristic tuning knobs with no
// calibration data behind them; they deter scripted form spam, not a
// motivated attacker, who can fabricate every input this code sees.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/luisfsill/abusegate/internal/domain"
	"github.com/luisfsill/abusegate/internal/fingerprint"
)

// Weights holds the per-signal score contributions.
type Weights struct {
	AutomationSignal int `yaml:"automation_signal"` // per detected automation marker
	BehaviorPattern  int `yaml:"behavior_pattern"`  // per suspicious behavior tag
	NoConcurrency    int `yaml:"no_concurrency"`
	CookiesDisabled  int `yaml:"cookies_disabled"`
	ShortUserAgent   int `yaml:"short_user_agent"`
	NoMouseActivity  int `yaml:"no_mouse_activity"`
	BannedGeo        int `yaml:"banned_geo"`
}

// DefaultWeights returns the stock signal weights.
func DefaultWeights() Weights {
	return Weights{
		AutomationSignal: 30,
		BehaviorPattern:  20,
		NoConcurrency:    15,
		CookiesDisabled:  10,
		ShortUserAgent:   20,
		NoMouseActivity:  25,
		BannedGeo:        40,
	}
}

// DefaultBotThreshold is the stock riskScore cutoff for the bot verdict.
const DefaultBotThreshold = 50

// Signal evaluation constants.
const (
	shortUABelow     = 50   // user agents under this length are implausible
	noMouseAfterSecs = 10.0 // seconds on page before zero mouse movement counts
)

// automationUAPatterns match user agents of known automation tooling.
var automationUAPatterns = compilePatterns([]string{
	`(?i)headless`,
	`(?i)phantomjs`,
	`(?i)selenium`,
	`(?i)webdriver`,
	`(?i)puppeteer`,
	`(?i)playwright`,
	`(?i)cypress`,
	`(?i)electron`,
	`(?i)bot\b`,
	`(?i)crawler`,
})

// automationGlobals are well-known driver hooks injected by automation
// frameworks into the page's global scope.
var automationGlobals = map[string]bool{
	"_phantom":                   true,
	"__nightmare":                true,
	"callphantom":                true,
	"_selenium":                  true,
	"__selenium_unwrapped":       true,
	"__webdriver_evaluate":       true,
	"__driver_evaluate":          true,
	"cdc_adoqpoasnfa76pfczlmcfl": true,
	"domautomation":              true,
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Classifier combines fingerprint anomalies and behavioral signals into
// a bot-likelihood verdict.
type Classifier struct {
	weights   Weights
	threshold int
	banned    map[string]bool // upper-case ISO country codes
}

// Config parametrises a Classifier. Zero values fall back to defaults.
type Config struct {
	Weights         Weights
	BotThreshold    int
	BannedCountries []string
}

// New creates a Classifier from the given config.
func New(cfg Config) *Classifier {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.BotThreshold <= 0 {
		cfg.BotThreshold = DefaultBotThreshold
	}
	banned := make(map[string]bool, len(cfg.BannedCountries))
	for _, c := range cfg.BannedCountries {
		banned[strings.ToUpper(c)] = true
	}
	return &Classifier{weights: cfg.Weights, threshold: cfg.BotThreshold, banned: banned}
}

// Classify scores the environment and behavior sample. The verdict and
// every contributing reason are recomputed on each call; nothing is
// cached or persisted.
func (c *Classifier) Classify(env domain.Environment, sample domain.BehaviorSample) domain.Classification {
	var signals []domain.Signal
	add := func(name, description string, weight int) {
		signals = append(signals, domain.Signal{Name: name, Description: description, Weight: weight})
	}

	// Automation markers, one weight each.
	if env.Webdriver {
		add("webdriver", "navigator.webdriver flag is set", c.weights.AutomationSignal)
	}
	for _, g := range env.AutomationGlobals {
		if automationGlobals[strings.ToLower(g)] {
			add("automation_global", fmt.Sprintf("automation hook %q present in global scope", g), c.weights.AutomationSignal)
			break
		}
	}
	if ua := env.UserAgent; ua != "" {
		for _, re := range automationUAPatterns {
			if re.MatchString(ua) {
				add("suspicious_user_agent", fmt.Sprintf("user agent matches automation pattern %s", re.String()), c.weights.AutomationSignal)
				break
			}
		}
	}
	if env.PluginCount == 0 {
		add("no_plugins", "browser reports zero plugins", c.weights.AutomationSignal)
	}
	if len(env.Languages) == 0 {
		add("no_languages", "browser reports an empty language list", c.weights.AutomationSignal)
	}

	// Behavioral patterns from the tracker snapshot.
	for _, p := range sample.SuspiciousPatterns {
		add("behavior_"+p, fmt.Sprintf("suspicious behavior pattern: %s", p), c.weights.BehaviorPattern)
	}

	// Environment plausibility.
	if env.HardwareConcurrency == 0 {
		add("no_concurrency", "logical CPU count unreported", c.weights.NoConcurrency)
	}
	if !env.CookiesEnabled {
		add("cookies_disabled", "cookies are disabled", c.weights.CookiesDisabled)
	}
	if len(env.UserAgent) < shortUABelow {
		add("short_user_agent", fmt.Sprintf("user agent implausibly short (%d chars)", len(env.UserAgent)), c.weights.ShortUserAgent)
	}
	if sample.SecondsOnPage > noMouseAfterSecs && sample.MouseMoves == 0 {
		add("no_mouse_movement", fmt.Sprintf("zero mouse movement after %.0fs on page", sample.SecondsOnPage), c.weights.NoMouseActivity)
	}

	// Optional geography signal, only when the server resolved a country.
	if env.IPCountry != "" && c.banned[strings.ToUpper(env.IPCountry)] {
		add("banned_geo", fmt.Sprintf("request origin country %s is banned", strings.ToUpper(env.IPCountry)), c.weights.BannedGeo)
	}

	score := 0
	for _, s := range signals {
		score += s.Weight
	}
	confidence := score
	if confidence > 100 {
		confidence = 100
	}

	return domain.Classification{
		IsBot:       score >= c.threshold,
		Confidence:  confidence,
		RiskScore:   score,
		Fingerprint: fingerprint.Compute(env),
		Signals:     signals,
	}
}
