package carapace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Redacted replaces every credential match before a payload leaves the
// host.
const Redacted = "[REDACTED]"

// maxSanitizerPatterns bounds the configurable inventory; the list is
// security-critical and must stay small enough to audit.
const maxSanitizerPatterns = 64

// PatternConfig is one configurable credential pattern.
type PatternConfig struct {
	Name  string `toml:"name" json:"name"`
	Regex string `toml:"regex" json:"regex"`
}

// DefaultPatterns covers the common credential shapes: Bearer tokens,
// vendor-prefixed API keys, AWS access key ids, and secret-style hex
// blobs of 20+ chars behind a key/token/secret label.
func DefaultPatterns() []PatternConfig {
	return []PatternConfig{
		{Name: "bearer_token", Regex: `(?i)bearer\s+[a-z0-9._~+/=-]{16,}`},
		{Name: "openai_key", Regex: `sk-[A-Za-z0-9_-]{20,}`},
		{Name: "github_token", Regex: `gh[pousr]_[A-Za-z0-9]{20,}`},
		{Name: "slack_token", Regex: `xox[baprs]-[A-Za-z0-9-]{10,}`},
		{Name: "aws_access_key", Regex: `AKIA[0-9A-Z]{16}`},
		{Name: "labeled_hex_secret", Regex: `(?i)(?:key|token|secret|password)["']?\s*[:=]\s*["']?[0-9a-f]{20,}`},
	}
}

// zeroWidthReplacer strips Unicode zero-width characters attackers use
// to split a credential across an otherwise matching pattern.
var zeroWidthReplacer = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // zero-width no-break space (BOM)
	"\u2060", "", // word joiner
	"\u00ad", "", // soft hyphen
)

// Sanitizer recursively scans payload strings for credential patterns
// and replaces matches with [REDACTED]. Sanitising is idempotent and
// never fails: on any internal error the input is returned unchanged.
type Sanitizer struct {
	patterns []*regexp.Regexp
	names    []string
	logger   *slog.Logger
}

// SanitizerOption configures a Sanitizer.
type SanitizerOption func(*Sanitizer)

// SanitizerLogger sets the structured logger.
func SanitizerLogger(l *slog.Logger) SanitizerOption {
	return func(s *Sanitizer) { s.logger = l }
}

// NewSanitizer compiles the pattern inventory. The list is size-bounded
// and patterns with backtracking-prone shapes are rejected.
func NewSanitizer(patterns []PatternConfig, opts ...SanitizerOption) (*Sanitizer, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	if len(patterns) > maxSanitizerPatterns {
		return nil, fmt.Errorf("sanitizer: %d patterns exceeds limit %d", len(patterns), maxSanitizerPatterns)
	}
	s := &Sanitizer{logger: nopLogger}
	for _, p := range patterns {
		if err := rejectUnsafePattern(p.Regex); err != nil {
			return nil, fmt.Errorf("sanitizer pattern %q: %w", p.Name, err)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("sanitizer pattern %q: %w", p.Name, err)
		}
		s.patterns = append(s.patterns, re)
		s.names = append(s.names, p.Name)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sanitize redacts credential matches in a JSON payload and returns the
// redacted payload plus the JSON paths that were touched. A payload
// with no matches comes back unchanged with a nil path list.
func (s *Sanitizer) Sanitize(payload json.RawMessage) (json.RawMessage, []string) {
	if len(payload) == 0 {
		return payload, nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload, nil
	}
	var paths []string
	clean := s.walk(doc, "", &paths)
	if len(paths) == 0 {
		return payload, nil
	}
	out, err := json.Marshal(clean)
	if err != nil {
		return payload, nil
	}
	s.logger.Debug("payload redacted", "paths", paths)
	return out, paths
}

func (s *Sanitizer) walk(v any, path string, paths *[]string) any {
	switch t := v.(type) {
	case string:
		clean, hit := s.redactString(t)
		if hit {
			p := path
			if p == "" {
				p = "$"
			}
			*paths = append(*paths, p)
		}
		return clean
	case map[string]any:
		for k, child := range t {
			t[k] = s.walk(child, joinPath(path, k), paths)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = s.walk(child, joinPath(path, strconv.Itoa(i)), paths)
		}
		return t
	default:
		return v
	}
}

// redactString replaces pattern matches in one string value. Matching
// runs both on the raw string and on a normalized copy (NFKC, zero
// width stripped); a hit only on the normalized form means the value is
// an obfuscated credential, so the whole value is redacted.
func (s *Sanitizer) redactString(in string) (string, bool) {
	if in == Redacted {
		return in, false
	}
	out := in
	hit := false
	for _, re := range s.patterns {
		if re.MatchString(out) {
			out = re.ReplaceAllString(out, Redacted)
			hit = true
		}
	}
	if hit {
		return out, true
	}
	normalized := zeroWidthReplacer.Replace(norm.NFKC.String(in))
	if normalized != in {
		for _, re := range s.patterns {
			if re.MatchString(normalized) {
				return Redacted, true
			}
		}
	}
	return in, false
}
