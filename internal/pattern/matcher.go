// internal/pattern/matcher.go
package pattern

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/userscript"
)

// ErrInvalidPattern marks a pattern that could not be compiled. It is never returned by
// Matches; it is only attached to the diagnostic log entry.
var ErrInvalidPattern = errors.New("invalid url pattern")

// Wildcard matches every URL.
const Wildcard = "*"

// Matcher tests URLs against glob-style patterns. Compiled expressions are cached;
// the cache is unbounded because pattern counts are bounded by installed scripts.
type Matcher struct {
	logger *zap.Logger
	cache  sync.Map // pattern -> *regexp.Regexp, or nil for invalid
}

// NewMatcher creates a Matcher that reports malformed patterns to logger.
func NewMatcher(logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{logger: logger.Named("pattern")}
}

// Matches reports whether url matches pattern. "*" matches everything; otherwise each
// "*" is a wildcard over any run of characters and the pattern is anchored at both ends.
// Malformed patterns never match.
func (m *Matcher) Matches(url, pattern string) bool {
	if pattern == Wildcard {
		return true
	}
	re := m.compile(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(url)
}

// Applies reports whether the script should run on url:
// (no includes OR any include) AND no exclude AND (no matches OR any match).
func (m *Matcher) Applies(d *userscript.Descriptor, url string) bool {
	if len(d.IncludePatterns) > 0 && !m.any(url, d.IncludePatterns) {
		return false
	}
	if m.any(url, d.ExcludePatterns) {
		return false
	}
	if len(d.MatchPatterns) > 0 && !m.any(url, d.MatchPatterns) {
		return false
	}
	return true
}

func (m *Matcher) any(url string, patterns []string) bool {
	for _, p := range patterns {
		if m.Matches(url, p) {
			return true
		}
	}
	return false
}

func (m *Matcher) compile(pattern string) *regexp.Regexp {
	if cached, ok := m.cache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	re, err := Compile(pattern)
	if err != nil {
		m.logger.Warn("Ignoring malformed pattern.", zap.String("pattern", pattern), zap.Error(err))
		m.cache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	m.cache.Store(pattern, re)
	return re
}

// Compile translates a glob pattern into an anchored regular expression.
func Compile(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("(?s)^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	return re, nil
}

// defaultMatcher backs the package-level Matches helper.
var defaultMatcher = NewMatcher(nil)

// Matches tests url against pattern using a shared, silent matcher.
func Matches(url, pattern string) bool {
	return defaultMatcher.Matches(url, pattern)
}
