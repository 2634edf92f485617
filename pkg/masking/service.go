package masking

import (
	"log/slog"

	"github.com/codeready-toolchain/chatcore/pkg/config"
)

// RedactedNotice replaces a tool result that could not be masked safely.
const RedactedNotice = "[REDACTED: tool result could not be masked safely]"

// Service applies each MCP server's configured masking to its tool results.
// Rules are resolved once at construction; the service is safe for
// concurrent use.
type Service struct {
	builtins map[string]*compiledPattern
	maskers  map[string]Masker
	servers  map[string]*ruleSet // serverID → rules; absent when masking is off
}

// NewService resolves the masking rules of every server in registry.
func NewService(registry *config.MCPServerRegistry) *Service {
	s := &Service{
		builtins: compileBuiltins(),
		maskers:  make(map[string]Masker),
		servers:  make(map[string]*ruleSet),
	}
	s.register(&JSONFieldMasker{})

	for serverID, cfg := range registry.GetAll() {
		if cfg.DataMasking == nil || !cfg.DataMasking.Enabled {
			continue
		}
		rs := s.resolve(serverID, cfg.DataMasking)
		if rs.empty() {
			slog.Warn("Data masking enabled without any usable pattern", "server", serverID)
			continue
		}
		s.servers[serverID] = rs
	}

	slog.Info("Masking service initialized",
		"builtin_patterns", len(s.builtins),
		"masked_servers", len(s.servers))
	return s
}

func (s *Service) register(m Masker) {
	s.maskers[m.Name()] = m
}

// Enabled reports whether serverID has masking rules.
func (s *Service) Enabled(serverID string) bool {
	_, ok := s.servers[serverID]
	return ok
}

// MaskToolResult returns content with serverID's rules applied. A masker
// that panics makes the whole result redacted.
func (s *Service) MaskToolResult(serverID, content string) (masked string) {
	rs, ok := s.servers[serverID]
	if !ok || content == "" {
		return content
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Masking failed, redacting tool result", "server", serverID, "panic", r)
			masked = RedactedNotice
		}
	}()

	masked = content
	for _, m := range rs.maskers {
		if m.AppliesTo(masked) {
			masked = m.Mask(masked)
		}
	}
	for _, p := range rs.patterns {
		masked = p.regex.ReplaceAllString(masked, p.replacement)
	}
	return masked
}
