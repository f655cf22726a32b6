package tlmx

import (
	"regexp"
	"strings"
)

// NoProxy matches hostnames that bypass the parents entirely. Patterns
// are shell-style wildcards, comma or space separated in the config.
type NoProxy struct {
	patterns []*regexp.Regexp
	specs    []string
}

func NewNoProxy(specs []string) (*NoProxy, error) {
	np := &NoProxy{}
	for _, spec := range specs {
		for _, pattern := range strings.FieldsFunc(spec, func(r rune) bool { return r == ',' || r == ' ' }) {
			if pattern == "" {
				continue
			}
			re, err := wildRegex(pattern)
			if err != nil {
				return nil, err // no wrap
			}
			np.patterns = append(np.patterns, re)
			np.specs = append(np.specs, pattern)
		}
	}
	return np, nil
}

func (np *NoProxy) match(host string) bool {
	for i, re := range np.patterns {
		if re.MatchString(host) {
			logDebug("NoProxy match: %s (%s)", host, np.specs[i])
			return true
		}
	}
	return false
}

func (np *NoProxy) empty() bool {
	return len(np.patterns) == 0
}
