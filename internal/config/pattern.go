package config

import (
	"regexp"
	"strings"
)

// CompileToolGlob compiles a ward's tool glob into a fully anchored,
// case-insensitive regex. '*' becomes '.*', '?' becomes '.', every other
// regex metacharacter in the glob is escaped literally.
func CompileToolGlob(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// CompilePattern compiles an ordinary ward regex, case-insensitive and
// unanchored.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}
