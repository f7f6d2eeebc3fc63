package commands

import (
	"slices"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// newReqID is a short correlation id for one command invocation.
func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// tokenize splits command text on whitespace. Single or double quotes group
// words and a backslash escapes the next rune:
//
//	/geochallenge "famous places" --time 90
func tokenize(s string) []string {
	var (
		out    []string
		cur    strings.Builder
		quote  rune
		escape bool
		inTok  bool
	)
	for _, r := range s {
		switch {
		case escape:
			cur.WriteRune(r)
			escape = false
		case r == '\\':
			escape, inTok = true, true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, inTok = r, true
		case unicode.IsSpace(r):
			if inTok {
				out = append(out, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteRune(r)
			inTok = true
		}
	}
	if inTok && cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// flagName reports whether a is a flag and returns its name and inline value.
// Phone keyboards turn "--" into an em or en dash, so those count too.
func flagName(a string) (name, value string, inline, ok bool) {
	switch {
	case strings.HasPrefix(a, "--"):
		a = a[2:]
	case strings.HasPrefix(a, "—"), strings.HasPrefix(a, "–"):
		a = a[len("—"):]
	case strings.HasPrefix(a, "-"):
		a = a[1:]
	default:
		return "", "", false, false
	}
	if a == "" {
		return "", "", false, false
	}
	if k, v, found := strings.Cut(a, "="); found {
		return k, v, true, true
	}
	return a, "", false, true
}

// parseFlags splits args into positionals, valued flags and boolean flags.
// A flag takes the next token as its value unless it is listed in boolNames,
// has an inline "=value", or the next token is itself a flag.
func parseFlags(args []string, boolNames ...string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		name, value, inline, ok := flagName(args[i])
		switch {
		case !ok:
			pos = append(pos, args[i])
		case inline:
			flags[name] = value
		case !slices.Contains(boolNames, name) && i+1 < len(args) && !isFlag(args[i+1]):
			flags[name] = args[i+1]
			i++
		default:
			bools[name] = true
		}
	}
	return pos, flags, bools
}

func isFlag(a string) bool {
	_, _, _, ok := flagName(a)
	return ok
}
