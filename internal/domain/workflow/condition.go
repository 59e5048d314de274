package workflow

import (
	"strconv"
	"strings"
)

// EvalEnv is the environment an edge condition is evaluated against:
// the node that just finished, its run (if any), and the execution context.
type EvalEnv struct {
	RunState    string
	NodeState   string
	NodeAttempt int
	Context     map[string]string
}

// EvalCondition evaluates an edge condition against env.
//
// Grammar:
//
//	""/"true"                            always true
//	run.state  ==|!= Identifier          case-insensitive compare
//	node.state / node.attempt OP Literal
//	context.<key> OP Literal             missing key -> false
//
// with OP one of == != < > <= >=. Malformed expressions evaluate to false
// (non-activation), never to a runtime error.
func EvalCondition(expr string, env EvalEnv) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" || strings.EqualFold(expr, "true") {
		return true
	}

	field, op, literal, ok := splitCondition(expr)
	if !ok {
		return false
	}

	var left string
	switch {
	case field == "run.state":
		if op != "==" && op != "!=" {
			return false
		}
		return compareFold(env.RunState, op, literal)
	case field == "node.state":
		left = string(env.NodeState)
	case field == "node.attempt":
		left = strconv.Itoa(env.NodeAttempt)
	case strings.HasPrefix(field, "context."):
		key := strings.TrimPrefix(field, "context.")
		v, present := env.Context[key]
		if !present {
			return false
		}
		left = v
	default:
		return false
	}

	return compare(left, op, literal)
}

// splitCondition breaks "lhs OP rhs" apart. Two-character operators are
// matched before their one-character prefixes.
func splitCondition(expr string) (field, op, literal string, ok bool) {
	for _, candidate := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if idx := strings.Index(expr, candidate); idx > 0 {
			field = strings.TrimSpace(expr[:idx])
			literal = strings.TrimSpace(expr[idx+len(candidate):])
			literal = strings.Trim(literal, `"'`)
			if field == "" || literal == "" {
				return "", "", "", false
			}
			return field, candidate, literal, true
		}
	}
	return "", "", "", false
}

func compareFold(left, op, right string) bool {
	eq := strings.EqualFold(left, right)
	if op == "==" {
		return eq
	}
	return !eq
}

// compare applies op numerically when both sides parse as numbers,
// lexically otherwise.
func compare(left, op, right string) bool {
	lf, lerr := strconv.ParseFloat(left, 64)
	rf, rerr := strconv.ParseFloat(right, 64)
	if lerr == nil && rerr == nil {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case "<":
			return lf < rf
		case ">":
			return lf > rf
		case "<=":
			return lf <= rf
		case ">=":
			return lf >= rf
		}
		return false
	}

	switch op {
	case "==":
		return strings.EqualFold(left, right)
	case "!=":
		return !strings.EqualFold(left, right)
	case "<":
		return left < right
	case ">":
		return left > right
	case "<=":
		return left <= right
	case ">=":
		return left >= right
	}
	return false
}
