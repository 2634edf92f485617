package masking

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/codeready-toolchain/chatcore/pkg/config"
)

type builtinPattern struct {
	pattern     string
	replacement string
}

// builtinPatterns are the regex patterns servers can reference by name.
var builtinPatterns = map[string]builtinPattern{
	"api_key": {
		pattern:     `(?i)((?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?)[A-Za-z0-9_\-]{20,}`,
		replacement: `${1}__MASKED_API_KEY__`,
	},
	"password": {
		pattern:     `(?i)((?:password|passwd|pwd)["']?\s*[:=]\s*["']?)[^"'\s_][^"'\s]{5,}`,
		replacement: `${1}__MASKED_PASSWORD__`,
	},
	"token": {
		pattern:     `(?i)((?:access[_-]?token|auth[_-]?token|bearer)["']?\s*[:=]?\s*["']?)[A-Za-z0-9_\-\.]{20,}`,
		replacement: `${1}__MASKED_TOKEN__`,
	},
	"private_key": {
		pattern:     `(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`,
		replacement: `__MASKED_PRIVATE_KEY__`,
	},
	"secret_key": {
		pattern:     `(?i)((?:client[_-]?secret|secret[_-]?key)["']?\s*[:=]\s*["']?)[A-Za-z0-9_\-\.]{20,}`,
		replacement: `${1}__MASKED_SECRET_KEY__`,
	},
	"openai_key": {
		pattern:     `\bsk-(?:proj-)?[A-Za-z0-9_\-]{20,}`,
		replacement: `__MASKED_OPENAI_KEY__`,
	},
	"google_api_key": {
		pattern:     `\bAIza[0-9A-Za-z_\-]{35}`,
		replacement: `__MASKED_GOOGLE_API_KEY__`,
	},
	"github_token": {
		pattern:     `\b(?:gh[pousr]_[A-Za-z0-9]{36,255}|github_pat_[A-Za-z0-9_]{22,255})`,
		replacement: `__MASKED_GITHUB_TOKEN__`,
	},
	"aws_access_key": {
		pattern:     `\bAKIA[0-9A-Z]{16}\b`,
		replacement: `__MASKED_AWS_KEY__`,
	},
	"slack_token": {
		pattern:     `\bxox[baprs]-[A-Za-z0-9-]{10,72}`,
		replacement: `__MASKED_SLACK_TOKEN__`,
	},
	"email": {
		pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9]+(?:[.-][A-Za-z0-9]+)*\.[A-Za-z]{2,63}\b`,
		replacement: `__MASKED_EMAIL__`,
	},
}

// patternGroups name sets of patterns and code maskers.
var patternGroups = map[string][]string{
	"basic":   {"api_key", "password"},
	"secrets": {JSONFieldMaskerName, "api_key", "password", "token", "private_key", "secret_key"},
	"vendor":  {"openai_key", "google_api_key", "github_token", "aws_access_key", "slack_token"},
	"all": {
		JSONFieldMaskerName, "private_key", "openai_key", "google_api_key", "github_token",
		"aws_access_key", "slack_token", "api_key", "password", "token", "secret_key", "email",
	},
}

type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// ruleSet is what one server's results are passed through: code maskers
// first, then the regex sweep.
type ruleSet struct {
	maskers  []Masker
	patterns []*compiledPattern
}

func (r *ruleSet) empty() bool {
	return len(r.maskers) == 0 && len(r.patterns) == 0
}

func compileBuiltins() map[string]*compiledPattern {
	out := make(map[string]*compiledPattern, len(builtinPatterns))
	for name, p := range builtinPatterns {
		out[name] = &compiledPattern{name: name, regex: regexp.MustCompile(p.pattern), replacement: p.replacement}
	}
	return out
}

// resolve expands cfg into the ordered, deduplicated rules for serverID.
// Unknown names are logged and skipped.
func (s *Service) resolve(serverID string, cfg *config.MaskingConfig) *ruleSet {
	rs := &ruleSet{}
	seen := make(map[string]bool)
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if m, ok := s.maskers[name]; ok {
			rs.maskers = append(rs.maskers, m)
			return
		}
		if p, ok := s.builtins[name]; ok {
			rs.patterns = append(rs.patterns, p)
			return
		}
		slog.Warn("Unknown masking pattern, skipping", "server", serverID, "pattern", name)
	}

	for _, group := range cfg.PatternGroups {
		names, ok := patternGroups[group]
		if !ok {
			slog.Warn("Unknown masking pattern group, skipping", "server", serverID, "group", group)
			continue
		}
		for _, name := range names {
			add(name)
		}
	}
	for _, name := range cfg.Patterns {
		add(name)
	}

	for i, p := range cfg.CustomPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"server", serverID, "index", i, "error", err)
			continue
		}
		rs.patterns = append(rs.patterns, &compiledPattern{
			name:        fmt.Sprintf("custom:%s:%d", serverID, i),
			regex:       re,
			replacement: p.Replacement,
		})
	}
	return rs
}
