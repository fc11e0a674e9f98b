package config

import (
	"strings"

	"github.com/google/shlex"

	"github.com/tilegw/gateway/gwerr"
)

// ParseConnectionSpec tokenizes an adapter address of the form
// `transport:param1=value;param2=value` into a scheme and its key/value
// arguments. Unquoted semicolons separate fields; a value may be
// double-quoted to embed a literal semicolon or whitespace, in which case
// shlex's shell-style tokenizing does the unquoting once fields are
// isolated.
func ParseConnectionSpec(spec string) (scheme string, params map[string]string, err error) {
	scheme, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return "", nil, gwerr.New(gwerr.KindBadArgument, "connection spec missing ':' scheme separator", map[string]interface{}{"spec": spec})
	}
	if scheme == "" {
		return "", nil, gwerr.New(gwerr.KindBadArgument, "connection spec has an empty scheme", map[string]interface{}{"spec": spec})
	}

	fields, err := splitUnquoted(rest, ';')
	if err != nil {
		return "", nil, err
	}

	params = make(map[string]string, len(fields))
	for _, field := range fields {
		if strings.TrimSpace(field) == "" {
			continue
		}

		tokens, err := shlex.Split(field)
		if err != nil {
			return "", nil, gwerr.New(gwerr.KindBadArgument, "malformed connection spec field", map[string]interface{}{"field": field, "cause": err.Error()})
		}
		joined := strings.Join(tokens, " ")

		key, value, ok := strings.Cut(joined, "=")
		if !ok {
			return "", nil, gwerr.New(gwerr.KindBadArgument, "connection spec field missing '='", map[string]interface{}{"field": field})
		}
		params[key] = value
	}

	return scheme, params, nil
}

// splitUnquoted splits s on sep, ignoring occurrences of sep inside a
// double-quoted span, so a field value can contain the separator literally
// (e.g. path="a;b").
func splitUnquoted(s string, sep byte) ([]string, error) {
	var (
		fields   []string
		current  strings.Builder
		inQuotes bool
	)

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			current.WriteByte(c)
		case c == sep && !inQuotes:
			fields = append(fields, current.String())
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	if inQuotes {
		return nil, gwerr.New(gwerr.KindBadArgument, "connection spec has an unterminated quote", map[string]interface{}{"spec": s})
	}
	fields = append(fields, current.String())
	return fields, nil
}
