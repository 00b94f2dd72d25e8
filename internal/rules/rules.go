// Package rules implements the routine trigger rule language (condition and
// event routines): a small expression tree over dotted field paths,
// evaluated against either a closed-world event envelope or an arbitrary
// probe output record.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Mode selects which field-access discipline a Rule evaluates under.
type Mode string

const (
	// ModeEnvelope restricts field access to envelopeWhitelist.
	ModeEnvelope Mode = "envelope"
	// ModeProbe accepts any path matching probePathPattern.
	ModeProbe Mode = "probe"
)

var probePathPattern = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)

// envelopeWhitelist is the closed field set of the Routine envelope
//: eventId, source, eventType, sourceRef, sessionKey,
// pluginInstanceId, actorKind, actorHandle, status, title, createdAt.
var envelopeWhitelist = map[string]struct{}{
	"eventId":          {},
	"source":           {},
	"eventType":        {},
	"sourceRef":        {},
	"sessionKey":       {},
	"pluginInstanceId": {},
	"actorKind":        {},
	"actorHandle":      {},
	"status":           {},
	"title":            {},
	"createdAt":        {},
}

// Op is a predicate operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpExists   Op = "exists"
	OpMatches  Op = "matches"
)

// Rule is a parsed expression tree node. Exactly one of All, Any, Not, or
// (Field, Op) is populated, mirroring the JSON shape `{all:[...]}` /
// `{any:[...]}` / `{not:...}` / `{field, op, value?}`.
type Rule struct {
	All   []Rule          `json:"all,omitempty"`
	Any   []Rule          `json:"any,omitempty"`
	Not   *Rule           `json:"not,omitempty"`
	Field string          `json:"field,omitempty"`
	Op    Op              `json:"op,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Parse decodes a rule_json column value into a Rule tree.
func Parse(raw string) (Rule, error) {
	var r Rule
	if strings.TrimSpace(raw) == "" {
		return Rule{}, fmt.Errorf("parse rule: empty")
	}
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Rule{}, fmt.Errorf("parse rule: %w", err)
	}
	return r, nil
}

// Eval evaluates the rule against a JSON document (an envelope or probe
// output, already marshaled), under the given Mode. A malformed predicate
// (bad field, unparseable regex, wrong value shape) evaluates to false
// rather than erroring, per spec: "compile failure → false".
func Eval(r Rule, doc string, mode Mode) bool {
	switch {
	case r.All != nil:
		for _, sub := range r.All {
			if !Eval(sub, doc, mode) {
				return false
			}
		}
		return true
	case r.Any != nil:
		for _, sub := range r.Any {
			if Eval(sub, doc, mode) {
				return true
			}
		}
		return false
	case r.Not != nil:
		return !Eval(*r.Not, doc, mode)
	default:
		return evalPredicate(r, doc, mode)
	}
}

func evalPredicate(r Rule, doc string, mode Mode) bool {
	if !fieldAllowed(r.Field, mode) {
		return false
	}
	result := gjson.Get(doc, r.Field)

	if r.Op == OpExists {
		return result.Exists()
	}
	if !result.Exists() && r.Op != OpEq {
		// A missing field never satisfies a value comparison, including
		// neq (absence is not "not equal"; it's undefined).
		return false
	}

	switch r.Op {
	case OpEq:
		return valueEquals(result, r.Value)
	case OpNeq:
		return !valueEquals(result, r.Value)
	case OpIn:
		return valueIn(result, r.Value)
	case OpContains:
		return valueContains(result, r.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return compareNumeric(result, r.Value, r.Op)
	case OpMatches:
		return matchesRegex(result, r.Value)
	default:
		return false
	}
}

func fieldAllowed(field string, mode Mode) bool {
	if field == "" {
		return false
	}
	switch mode {
	case ModeEnvelope:
		root := field
		if i := strings.IndexByte(field, '.'); i >= 0 {
			root = field[:i]
		}
		_, ok := envelopeWhitelist[root]
		return ok
	case ModeProbe:
		return probePathPattern.MatchString(field)
	default:
		return false
	}
}

func decodeValue(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

func valueEquals(result gjson.Result, raw json.RawMessage) bool {
	want, ok := decodeValue(raw)
	if !ok {
		return false
	}
	switch w := want.(type) {
	case string:
		return result.Type == gjson.String && result.Str == w
	case float64:
		return result.Type == gjson.Number && result.Num == w
	case bool:
		return (result.Type == gjson.True) == w
	default:
		return result.Raw == string(raw)
	}
}

func valueIn(result gjson.Result, raw json.RawMessage) bool {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return false // "in requires array"
	}
	for _, item := range arr {
		if valueEquals(result, item) {
			return true
		}
	}
	return false
}

func valueContains(result gjson.Result, raw json.RawMessage) bool {
	want, ok := decodeValue(raw)
	if !ok {
		return false
	}
	s, ok := want.(string)
	if !ok {
		return false
	}
	if result.IsArray() {
		found := false
		result.ForEach(func(_, item gjson.Result) bool {
			if item.Str == s {
				found = true
				return false
			}
			return true
		})
		return found
	}
	return strings.Contains(result.String(), s)
}

func compareNumeric(result gjson.Result, raw json.RawMessage, op Op) bool {
	want, ok := decodeValue(raw)
	if !ok {
		return false
	}
	wantNum, ok := want.(float64)
	if !ok {
		return false
	}
	var gotNum float64
	switch result.Type {
	case gjson.Number:
		gotNum = result.Num
	case gjson.String:
		n, err := strconv.ParseFloat(result.Str, 64)
		if err != nil {
			return false
		}
		gotNum = n
	default:
		return false
	}
	switch op {
	case OpGt:
		return gotNum > wantNum
	case OpGte:
		return gotNum >= wantNum
	case OpLt:
		return gotNum < wantNum
	case OpLte:
		return gotNum <= wantNum
	default:
		return false
	}
}

func matchesRegex(result gjson.Result, raw json.RawMessage) bool {
	want, ok := decodeValue(raw)
	if !ok {
		return false
	}
	pattern, ok := want.(string)
	if !ok {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(result.String())
}
