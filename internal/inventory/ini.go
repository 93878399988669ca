package inventory

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

func (inv *Inventory) parseINI(data []byte) error {
	section, kind := GroupUngrouped, "hosts"

	for i, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}

		if line[0] == '[' {
			if !strings.HasSuffix(line, "]") {
				return fmt.Errorf("line %d: malformed section header %q", i+1, line)
			}
			name := strings.TrimSpace(line[1 : len(line)-1])
			kind = "hosts"
			if g, k, ok := strings.Cut(name, ":"); ok {
				name, kind = g, k
			}
			switch kind {
			case "hosts", "vars", "children":
			default:
				return fmt.Errorf("line %d: unknown section type %q", i+1, kind)
			}
			if name == "" {
				return fmt.Errorf("line %d: empty group name", i+1)
			}
			section = name
			inv.group(section)
			continue
		}

		fields, err := splitFields(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
		if len(fields) == 0 {
			continue
		}

		switch kind {
		case "hosts":
			names, err := expandHostRange(fields[0])
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			vars := make(map[string]any, len(fields)-1)
			for _, f := range fields[1:] {
				k, v, ok := strings.Cut(f, "=")
				if !ok {
					return fmt.Errorf("line %d: expected key=value, got %q", i+1, f)
				}
				vars[k] = parseValue(v)
			}
			for _, n := range names {
				inv.AddHost(section, n, vars)
			}
		case "vars":
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				return fmt.Errorf("line %d: expected key=value, got %q", i+1, line)
			}
			inv.SetGroupVars(section, map[string]any{strings.TrimSpace(k): parseValue(strings.TrimSpace(v))})
		case "children":
			inv.addChild(section, fields[0])
		}
	}
	return nil
}

// parseValue interprets an INI value the way a YAML scalar would be read,
// except that quoted values always stay strings.
func parseValue(v string) any {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	var out any
	if err := yaml.Unmarshal([]byte(v), &out); err != nil || out == nil {
		return v
	}
	return out
}

// splitFields splits on whitespace, keeping quoted runs together. An
// unquoted # at the start of a field ends the line.
func splitFields(line string) ([]string, error) {
	var (
		fields []string
		cur    strings.Builder
		quote  byte
		inTok  bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
			inTok = true
			cur.WriteByte(c)
		case c == ' ' || c == '\t':
			if inTok {
				fields = append(fields, cur.String())
				cur.Reset()
				inTok = false
			}
		case c == '#' && !inTok:
			return fields, nil
		default:
			inTok = true
			cur.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", line)
	}
	if inTok {
		fields = append(fields, cur.String())
	}
	return fields, nil
}

// expandHostRange expands one "[a:b]" range in a host name, numeric
// ("web[01:10]", zero padding kept) or alphabetic ("db-[a:c]").
func expandHostRange(name string) ([]string, error) {
	open := strings.IndexByte(name, '[')
	if open < 0 {
		return []string{name}, nil
	}
	end := strings.IndexByte(name[open:], ']')
	if end < 0 {
		return nil, fmt.Errorf("unterminated host range in %q", name)
	}
	end += open
	lo, hi, ok := strings.Cut(name[open+1:end], ":")
	if !ok {
		return nil, fmt.Errorf("host range %q needs start:end", name)
	}
	prefix, suffix := name[:open], name[end+1:]

	rest, err := expandHostRange(suffix)
	if err != nil {
		return nil, err
	}

	var items []string
	if a, errA := strconv.Atoi(lo); errA == nil {
		b, errB := strconv.Atoi(hi)
		if errB != nil || b < a {
			return nil, fmt.Errorf("bad host range %q", name)
		}
		width := 0
		if len(lo) > 1 && lo[0] == '0' {
			width = len(lo)
		}
		for n := a; n <= b; n++ {
			items = append(items, fmt.Sprintf("%0*d", width, n))
		}
	} else if len(lo) == 1 && len(hi) == 1 && lo[0] <= hi[0] {
		for c := lo[0]; c <= hi[0]; c++ {
			items = append(items, string(c))
		}
	} else {
		return nil, fmt.Errorf("bad host range %q", name)
	}

	out := make([]string, 0, len(items)*len(rest))
	for _, it := range items {
		for _, r := range rest {
			out = append(out, prefix+it+r)
		}
	}
	return out, nil
}
