// Package testspec parses the free-form test lines submitted with a run
// request into normalized, validated specifications.
package testspec

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// CategoryPytest is a python test driven by the pytest runner scripts.
	CategoryPytest = "pytest"
	// CategoryMocknet runs against an externally provisioned network and
	// never needs a build artifact.
	CategoryMocknet = "mocknet"
	// CategoryExpensive is a pre-built expensive test executable.
	CategoryExpensive = "expensive"

	// DefaultTimeout applies when no --timeout flag is given.
	DefaultTimeout = 3 * time.Minute
	// RemoteExtraTimeout is added to the wall-clock limit at execution
	// time for --remote tests. It is not part of the stored timeout.
	RemoteExtraTimeout = 15 * time.Minute
)

// Features which the build always enables; listing them is a no-op and
// they are dropped during normalization so that equivalent specs compare
// equal.
var implicitFeatures = map[string]bool{
	"adversarial":   true,
	"test_features": true,
	"rosetta_rpc":   true,
}

var (
	pytestArgRe    = regexp.MustCompile(`^[-_A-Za-z0-9/]+\.py$`)
	expensiveArgRe = regexp.MustCompile(`^[-_A-Za-z0-9]+$`)
	featureRe      = regexp.MustCompile(`^[A-Za-z0-9_][-A-Za-z0-9_]*$`)
	countRe        = regexp.MustCompile(`^\d+$`)
	durationRe     = regexp.MustCompile(`^(\d+)([hms]?)$`)
)

// ParseError describes a rejected test line, naming the offending token.
type ParseError struct {
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid test specification: %s (at %q)", e.Reason, e.Token)
}

func parseErr(token, format string, args ...interface{}) error {
	return &ParseError{Token: token, Reason: fmt.Sprintf(format, args...)}
}

// TestSpec is one normalized test specification.
type TestSpec struct {
	Category  string
	Args      []string
	Features  []string
	IsRelease bool
	IsRemote  bool
	SkipBuild bool
	Timeout   time.Duration
}

// Parse parses a single test line. Blank lines and lines whose first
// non-space character is '#' yield (0, nil, nil). A leading integer is a
// repetition count; it defaults to 1.
func Parse(line string) (int, *TestSpec, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return 0, nil, nil
	}
	words := strings.Fields(trimmed)
	count := 1
	if countRe.MatchString(words[0]) {
		n, err := strconv.Atoi(words[0])
		if err != nil || n < 1 {
			return 0, nil, parseErr(words[0], "bad repetition count")
		}
		count = n
		words = words[1:]
		if len(words) == 0 {
			return 0, nil, parseErr(trimmed, "missing test category")
		}
	}
	spec, err := parseWords(words)
	if err != nil {
		return 0, nil, err
	}
	return count, spec, nil
}

func parseWords(words []string) (*TestSpec, error) {
	category := words[0]
	switch category {
	case CategoryPytest, CategoryMocknet, CategoryExpensive:
	default:
		return nil, parseErr(category, "unknown test category")
	}
	spec := &TestSpec{
		Category: category,
		Timeout:  DefaultTimeout,
		// mocknet runs on externally provisioned hosts and never
		// consumes a build artifact.
		SkipBuild: category == CategoryMocknet,
	}
	features := map[string]bool{}
	rest := words[1:]
	for len(rest) > 0 {
		word := rest[0]
		rest = rest[1:]
		switch {
		case word == "--release":
			spec.IsRelease = true
		case word == "--remote":
			spec.IsRemote = true
		case word == "--skip-build":
			spec.SkipBuild = true
		case strings.HasPrefix(word, "--timeout="):
			d, err := ParseDuration(strings.TrimPrefix(word, "--timeout="))
			if err != nil {
				return nil, err
			}
			spec.Timeout = d
		case word == "--features":
			if len(rest) == 0 {
				return nil, parseErr(word, "--features requires a value")
			}
			if err := addFeatures(features, rest[0]); err != nil {
				return nil, err
			}
			rest = rest[1:]
		case strings.HasPrefix(word, "--features="):
			if err := addFeatures(features, strings.TrimPrefix(word, "--features=")); err != nil {
				return nil, err
			}
		case strings.HasPrefix(word, "--"):
			return nil, parseErr(word, "unknown flag")
		default:
			spec.Args = append(spec.Args, word)
		}
	}
	if err := validateArgs(spec); err != nil {
		return nil, err
	}
	for f := range features {
		spec.Features = append(spec.Features, f)
	}
	sort.Strings(spec.Features)
	return spec, nil
}

func addFeatures(dst map[string]bool, list string) error {
	for _, f := range strings.Split(list, ",") {
		if !featureRe.MatchString(f) {
			return parseErr(f, "bad feature name")
		}
		if !implicitFeatures[f] {
			dst[f] = true
		}
	}
	return nil
}

func validateArgs(spec *TestSpec) error {
	switch spec.Category {
	case CategoryPytest, CategoryMocknet:
		if len(spec.Args) == 0 {
			return parseErr(spec.Category, "missing test script")
		}
		if !pytestArgRe.MatchString(spec.Args[0]) {
			return parseErr(spec.Args[0], "not a python test path")
		}
	case CategoryExpensive:
		if len(spec.Args) != 3 {
			return parseErr(spec.Category, "expensive tests take exactly three arguments, got %d", len(spec.Args))
		}
		if !expensiveArgRe.MatchString(spec.Args[1]) {
			return parseErr(spec.Args[1], "not a test executable name")
		}
	}
	return nil
}

// ParseDuration parses the --timeout value: an integer with an optional
// h/m/s suffix, defaulting to seconds.
func ParseDuration(value string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(value)
	if m == nil {
		return 0, parseErr(value, "bad timeout")
	}
	n, err := strconv.ParseInt(m[1], 10, 32)
	if err != nil {
		return 0, parseErr(value, "bad timeout")
	}
	secs := n
	switch m[2] {
	case "h":
		secs *= 3600
	case "m":
		secs *= 60
	}
	if secs <= 0 {
		return 0, parseErr(value, "timeout must be positive")
	}
	// secs fits in 43 bits, but the nanosecond conversion can still
	// overflow a time.Duration.
	if secs > math.MaxInt64/int64(time.Second) {
		return 0, parseErr(value, "timeout too large")
	}
	return time.Duration(secs) * time.Second, nil
}

// FullTimeout is the wall-clock limit the worker enforces.
func (s *TestSpec) FullTimeout() time.Duration {
	if s.IsRemote {
		return s.Timeout + RemoteExtraTimeout
	}
	return s.Timeout
}

// FeaturesString returns the normalized comma-separated feature list;
// empty when no features are requested. Together with IsRelease it keys
// the build deduplication within a run.
func (s *TestSpec) FeaturesString() string {
	return strings.Join(s.Features, ",")
}

// ShortName is the canonical display name of the test; it omits
// --timeout and --skip-build so that retries and history lookups match
// across submissions that only differ in scheduling detail.
func (s *TestSpec) ShortName() string {
	return s.name(false)
}

// FullName is the canonical complete rendering; Parse(FullName()) yields
// an identical spec.
func (s *TestSpec) FullName() string {
	return s.name(true)
}

func (s *TestSpec) name(full bool) string {
	words := []string{s.Category}
	if s.IsRelease {
		words = append(words, "--release")
	}
	if s.IsRemote {
		words = append(words, "--remote")
	}
	if full {
		if s.SkipBuild && s.Category != CategoryMocknet {
			words = append(words, "--skip-build")
		}
		if s.Timeout != DefaultTimeout {
			words = append(words, fmt.Sprintf("--timeout=%d", int(s.Timeout/time.Second)))
		}
	}
	words = append(words, s.Args...)
	if len(s.Features) > 0 {
		words = append(words, "--features="+s.FeaturesString())
	}
	return strings.Join(words, " ")
}
