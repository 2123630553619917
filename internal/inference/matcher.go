package inference

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type shortcut struct {
	re       *regexp.Regexp
	response string
}

// ShortcutMatcher answers commands from a fixed table of patterns. Patterns
// are matched case-insensitively against the trimmed command. Capture
// groups can be referenced in the response as $1, ${name}.
type ShortcutMatcher struct {
	shortcuts []shortcut
}

// NewShortcutMatcher compiles table. Patterns are tried longest first so a
// specific shortcut wins over a general one.
func NewShortcutMatcher(table map[string]string) (*ShortcutMatcher, error) {
	patterns := make([]string, 0, len(table))
	for p := range table {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})

	m := &ShortcutMatcher{}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("shortcut %q: %w", p, err)
		}
		m.shortcuts = append(m.shortcuts, shortcut{re: re, response: table[p]})
	}
	return m, nil
}

func (m *ShortcutMatcher) Len() int {
	return len(m.shortcuts)
}

func (m *ShortcutMatcher) Match(ctx context.Context, command string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	command = strings.TrimSpace(command)
	for _, s := range m.shortcuts {
		idx := s.re.FindStringSubmatchIndex(command)
		if idx == nil {
			continue
		}
		out := s.re.ExpandString(nil, s.response, command, idx)
		return string(out), true, nil
	}
	return "", false, nil
}
