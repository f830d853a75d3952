package resolve

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher selects a binary by the basename of its path.
type Matcher interface {
	Match(basename string) bool
	String() string
}

type substring string

// Substring matches basenames containing s.
func Substring(s string) Matcher {
	return substring(s)
}

func (s substring) Match(basename string) bool {
	return basename != "" && strings.Contains(basename, string(s))
}

func (s substring) String() string {
	return string(s)
}

type pattern struct {
	re *regexp.Regexp
}

// Pattern matches basenames against a regular expression.
func Pattern(expr string) (Matcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pattern %s: %w", expr, err)
	}

	return pattern{re: re}, nil
}

func (p pattern) Match(basename string) bool {
	return basename != "" && p.re.MatchString(basename)
}

func (p pattern) String() string {
	return p.re.String()
}

// ParseMatcher builds a Matcher from user input: "re:<expr>" is a pattern,
// anything else a substring.
func ParseMatcher(s string) (Matcher, error) {
	if expr, ok := strings.CutPrefix(s, "re:"); ok {
		return Pattern(expr)
	}

	if s == "" {
		return nil, fmt.Errorf("empty binary matcher")
	}

	return Substring(s), nil
}
