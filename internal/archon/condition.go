package archon

import (
	"strconv"
	"strings"
)

// TriggerContext is what a scheduled event condition can observe.
type TriggerContext struct {
	Cycle     uint64
	Weather   string
	TimeOfDay string
	Events    []string
	Fired     []string
}

// EvalCondition evaluates a scheduled event trigger.
// Supported forms:
//   - "" (always true)
//   - "a && b"
//   - "cycle <op> N" with op one of == != >= <= > <
//   - "weather == 'Storm'" / "weather != 'Clear'"
//   - "time >= 'HH:MM'" (any comparison op, lexical on HH:MM)
//   - "event == '<global event text>'"
//   - "<scheduled event id>.fired"
//
// Unknown forms evaluate to false.
func EvalCondition(expr string, ctx *TriggerContext) bool {
	expr = strings.TrimSpace(expr)

	if expr == "" {
		return true
	}

	if i := indexUnquoted(expr, "&&"); i >= 0 {
		return EvalCondition(expr[:i], ctx) && EvalCondition(expr[i+2:], ctx)
	}

	field, op, value, ok := splitComparison(expr)
	if !ok {
		if id, fired := strings.CutSuffix(expr, ".fired"); fired {
			return contains(ctx.Fired, id)
		}
		return false
	}

	switch field {
	case "cycle":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return false
		}
		return compareUint(ctx.Cycle, op, n)
	case "weather":
		return compareString(ctx.Weather, op, unquote(value))
	case "time":
		return compareString(ctx.TimeOfDay, op, unquote(value))
	case "event":
		if op != "==" {
			return false
		}
		return contains(ctx.Events, unquote(value))
	}
	return false
}

var comparisonOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// splitComparison parses "<field> <op> <value>" at the first operator
// outside single quotes.
func splitComparison(expr string) (field, op, value string, ok bool) {
	quoted := false
	for i := 0; i < len(expr); i++ {
		if expr[i] == '\'' {
			quoted = !quoted
			continue
		}
		if quoted {
			continue
		}
		for _, candidate := range comparisonOps {
			if strings.HasPrefix(expr[i:], candidate) {
				field = strings.TrimSpace(expr[:i])
				value = strings.TrimSpace(expr[i+len(candidate):])
				return field, candidate, value, field != "" && value != ""
			}
		}
	}
	return "", "", "", false
}

// indexUnquoted is strings.Index that skips text inside single quotes.
func indexUnquoted(expr, sep string) int {
	quoted := false
	for i := 0; i < len(expr); i++ {
		if expr[i] == '\'' {
			quoted = !quoted
			continue
		}
		if !quoted && strings.HasPrefix(expr[i:], sep) {
			return i
		}
	}
	return -1
}

// unquote strips surrounding single quotes.
// Example: "'Storm'" returns "Storm".
func unquote(v string) string {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1]
	}
	return v
}

func compareUint(a uint64, op string, b uint64) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case "<":
		return a < b
	}
	return false
}

func compareString(a, op, b string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case "<":
		return a < b
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
