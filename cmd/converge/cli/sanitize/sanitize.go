// Package sanitize strips secrets, filesystem paths, and usernames from
// text before it reaches the model CLI or shared storage.
//
// Rules run in a fixed order (tokens, secret env assignments, paths,
// username) because later rules can match fragments of earlier ones.
// After the explicit rules, a catch-all layer flags anything the rules
// missed: gitleaks' default ruleset plus a Shannon-entropy scan. Every
// replacement is a stable placeholder, so sanitizing is idempotent.
package sanitize

import (
	"math"
	"os/user"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/convergeio/converge/cmd/converge/cli/config"
)

// Placeholders. These must never re-match any rule.
const (
	TokenPlaceholder = "[TOKEN_REDACTED]"
	EnvPlaceholder   = "[ENV_REDACTED]"
	PathPlaceholder  = "[PATH_REDACTED]"
	UserPlaceholder  = "[USER_REDACTED]"
)

// tokenPatterns match well-known credential shapes. Provider-prefixed
// keys come before the generic assignment form so the specific rule wins.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)aws_secret_access_key\s*=\s*\S+`),
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{36,}`),
	regexp.MustCompile(`gho_[a-zA-Z0-9]{36,}`),
	regexp.MustCompile(`glpat-[a-zA-Z0-9\-]{20,}`),
	regexp.MustCompile(`xox[bp]-[a-zA-Z0-9\-]+`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`),
	regexp.MustCompile(`(?i)(?:API_KEY|SECRET|TOKEN|PASSWORD|PRIVATE_KEY|ACCESS_KEY)\s*[=:]\s*['"]?[^\s'"]{8,}`),
}

// envPattern matches assignments of recognized secret variable names.
var envPattern = regexp.MustCompile(`(?i)(?:DATABASE_URL|DB_PASSWORD|REDIS_URL|SUPABASE_KEY|STRIPE_SECRET|NEXTAUTH_SECRET|JWT_SECRET|ENCRYPTION_KEY|PRIVATE_KEY|SSH_KEY)\s*[=:]\s*\S+`)

// pathPattern matches absolute paths under user-home and system prefixes.
// The filename portion is preserved; it carries diagnostic value.
var pathPattern = regexp.MustCompile(`(?:/(?:Users|home|var|tmp|opt|etc)/[^\s:"']+|[A-Za-z]:\\Users\\[^\s:"']+)`)

// secretCandidate matches runs long enough to carry a credential; the
// entropy threshold decides whether they are redacted. 4.5 sits above
// common identifiers and below typical API-key entropy.
var secretCandidate = regexp.MustCompile(`[A-Za-z0-9/+_=-]{20,}`)

const entropyThreshold = 4.5

var (
	gitleaksDetector     *detect.Detector
	gitleaksDetectorOnce sync.Once
)

func getDetector() *detect.Detector {
	gitleaksDetectorOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return
		}
		gitleaksDetector = d
	})
	return gitleaksDetector
}

// Sanitizer applies the configured rule groups.
type Sanitizer struct {
	cfg         config.Sanitizer
	userPattern *regexp.Regexp
}

// New builds a sanitizer for the given toggles. The current effective
// username is resolved once at construction.
func New(cfg config.Sanitizer) *Sanitizer {
	s := &Sanitizer{cfg: cfg}
	if cfg.StripUsernames {
		if name := currentUsername(); len(name) >= 3 {
			s.userPattern = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
		}
	}
	return s
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

// Text sanitizes a single string.
func (s *Sanitizer) Text(text string) string {
	if !s.cfg.Enabled || text == "" {
		return text
	}

	if s.cfg.StripTokens {
		for _, p := range tokenPatterns {
			text = p.ReplaceAllString(text, TokenPlaceholder)
		}
		text = envPattern.ReplaceAllString(text, EnvPlaceholder)
	}

	if s.cfg.StripPaths {
		text = pathPattern.ReplaceAllStringFunc(text, func(match string) string {
			return PathPlaceholder + "/" + baseName(match)
		})
	}

	if s.userPattern != nil {
		text = s.userPattern.ReplaceAllString(text, UserPlaceholder)
	}

	if s.cfg.StripTokens {
		text = redactResidualSecrets(text)
	}

	return text
}

// Record deep-sanitizes a decoded JSON value: strings are sanitized,
// maps and slices are walked, everything else passes through.
func (s *Sanitizer) Record(v any) any {
	switch val := v.(type) {
	case string:
		return s.Text(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = s.Record(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = s.Record(child)
		}
		return out
	default:
		return v
	}
}

// Strings sanitizes a string slice in place and returns it.
func (s *Sanitizer) Strings(values []string) []string {
	for i, v := range values {
		values[i] = s.Text(v)
	}
	return values
}

// baseName returns the final component of a POSIX or Windows path.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

type region struct{ start, end int }

// redactResidualSecrets applies the catch-all layer: entropy scan plus
// gitleaks pattern detection, with overlapping hits merged before
// replacement.
func redactResidualSecrets(s string) string {
	var regions []region

	for _, loc := range secretCandidate.FindAllStringIndex(s, -1) {
		if shannonEntropy(s[loc[0]:loc[1]]) > entropyThreshold {
			regions = append(regions, region{loc[0], loc[1]})
		}
	}

	if d := getDetector(); d != nil {
		for _, f := range d.DetectString(s) {
			if f.Secret == "" {
				continue
			}
			searchFrom := 0
			for {
				idx := strings.Index(s[searchFrom:], f.Secret)
				if idx < 0 {
					break
				}
				abs := searchFrom + idx
				regions = append(regions, region{abs, abs + len(f.Secret)})
				searchFrom = abs + len(f.Secret)
			}
		}
	}

	if len(regions) == 0 {
		return s
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].start < regions[j].start })
	merged := []region{regions[0]}
	for _, r := range regions[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
		} else {
			merged = append(merged, r)
		}
	}

	var b strings.Builder
	prev := 0
	for _, r := range merged {
		b.WriteString(s[prev:r.start])
		b.WriteString(TokenPlaceholder)
		prev = r.end
	}
	b.WriteString(s[prev:])
	return b.String()
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[byte]int)
	for i := range len(s) {
		freq[s[i]]++
	}
	length := float64(len(s))
	var entropy float64
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}
