package telesession

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Matcher decides whether a route applies to an update.
type Matcher struct {
	name  string
	kinds []Kind
	match func(u Update, text string) (match, bool)
}

// match is what a matcher extracted from the update text.
type match struct {
	args   string
	groups []string
}

// On restricts the matcher to the given payload kinds.
func (m Matcher) On(kinds ...Kind) Matcher {
	m.kinds = slices.Clone(kinds)
	return m
}

func (m Matcher) String() string {
	return m.name
}

// Matches reports whether the matcher accepts u. It lets a matcher double
// as a Builder predicate.
func (m Matcher) Matches(u Update) bool {
	if len(m.kinds) > 0 && !slices.Contains(m.kinds, u.Kind()) {
		return false
	}
	text, _ := u.Text()
	_, ok := m.match(u, text)
	return ok
}

// Any matches every update.
func Any() Matcher {
	return Matcher{
		name:  "any",
		match: func(Update, string) (match, bool) { return match{}, true },
	}
}

// OnKind matches every update of the given kinds.
func OnKind(kinds ...Kind) Matcher {
	m := Any().On(kinds...)
	m.name = fmt.Sprintf("kind%v", kinds)
	return m
}

// Command matches "/name", "/name@bot" and "/name args" in messages and
// channel posts. The text after the command is available as Context.Args.
func Command(names ...string) Matcher {
	want := make([]string, len(names))
	for i, n := range names {
		want[i] = strings.ToLower(strings.TrimPrefix(n, "/"))
	}

	return Matcher{
		name:  "command/" + strings.Join(want, ","),
		kinds: []Kind{KindMessage, KindChannelPost},
		match: func(_ Update, text string) (match, bool) {
			cmd, args, ok := parseCommand(text)
			if !ok || !slices.Contains(want, cmd) {
				return match{}, false
			}
			return match{args: args}, true
		},
	}
}

// Prefix matches text starting with prefix. The remainder is available as
// Context.Args.
func Prefix(prefix string) Matcher {
	return Matcher{
		name: "prefix/" + prefix,
		match: func(_ Update, text string) (match, bool) {
			rest, ok := strings.CutPrefix(text, prefix)
			if !ok {
				return match{}, false
			}
			return match{args: strings.TrimSpace(rest)}, true
		},
	}
}

// Pattern matches text against a regular expression compiled once here.
// Submatches are available as Context.Groups.
func Pattern(expr string) (Matcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Matcher{}, fmt.Errorf("compiling route pattern %q: %w", expr, err)
	}

	return Matcher{
		name: "pattern/" + expr,
		match: func(_ Update, text string) (match, bool) {
			groups := re.FindStringSubmatch(text)
			if groups == nil {
				return match{}, false
			}
			return match{groups: groups}, true
		},
	}, nil
}

// MustPattern is like Pattern but panics on an invalid expression.
func MustPattern(expr string) Matcher {
	m, err := Pattern(expr)
	if err != nil {
		panic(err)
	}
	return m
}

// CallbackData matches callback queries whose data equals token or starts
// with "token:". The part after the colon is available as Context.Args.
func CallbackData(token string) Matcher {
	return Matcher{
		name:  "callback/" + token,
		kinds: []Kind{KindCallbackQuery},
		match: func(_ Update, data string) (match, bool) {
			if data == token {
				return match{}, true
			}
			if rest, ok := strings.CutPrefix(data, token+":"); ok {
				return match{args: rest}, true
			}
			return match{}, false
		},
	}
}

// Predicate matches updates for which fn returns true.
func Predicate(fn func(Update) bool) Matcher {
	return Matcher{
		name: "predicate",
		match: func(u Update, _ string) (match, bool) {
			return match{}, fn(u)
		},
	}
}

// parseCommand extracts the lower-cased command name and its arguments.
// It handles "/command", "/command args" and "/command@botname args".
func parseCommand(text string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}

	cmd, args, _ = strings.Cut(text[1:], " ")
	if at := strings.Index(cmd, "@"); at != -1 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", "", false
	}
	return strings.ToLower(cmd), strings.TrimSpace(args), true
}
