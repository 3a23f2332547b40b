package upstream

import (
	"fmt"
	"strings"
)

// Challenge holds the parameters of a Bearer WWW-Authenticate header.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
}

// ParseChallenge parses `Bearer realm="...",service="...",scope="..."`.
// Registries in the wild vary in parameter order, quoting and whitespace,
// so this is a small scanner rather than a split on commas.
func ParseChallenge(header string) (*Challenge, error) {
	trimmed := strings.TrimSpace(header)
	if len(trimmed) < 6 || !strings.EqualFold(trimmed[:6], "bearer") {
		return nil, fmt.Errorf("not a bearer challenge: %q", header)
	}

	params := map[string]string{}
	rest := trimmed[6:]
	i := 0
	for i < len(rest) {
		// skip separators
		for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t' || rest[i] == ',') {
			i++
		}
		if i >= len(rest) {
			break
		}

		// key
		start := i
		for i < len(rest) && rest[i] != '=' && rest[i] != ',' {
			i++
		}
		if i >= len(rest) || rest[i] != '=' {
			// parameter without a value, skip it
			continue
		}
		key := strings.ToLower(strings.TrimSpace(rest[start:i]))
		i++ // consume '='

		// value, quoted or bare
		var value string
		if i < len(rest) && rest[i] == '"' {
			i++
			start = i
			for i < len(rest) && rest[i] != '"' {
				i++
			}
			value = rest[start:i]
			if i < len(rest) {
				i++ // closing quote
			}
		} else {
			start = i
			for i < len(rest) && rest[i] != ',' && rest[i] != ' ' {
				i++
			}
			value = rest[start:i]
		}

		if key != "" {
			params[key] = value
		}
	}

	c := &Challenge{
		Realm:   params["realm"],
		Service: params["service"],
		Scope:   params["scope"],
	}
	if c.Realm == "" {
		return nil, fmt.Errorf("bearer challenge missing realm: %q", header)
	}
	return c, nil
}
