package rules_test

import (
	"testing"

	"github.com/basket/agentrun/internal/rules"
)

func mustParse(t *testing.T, raw string) rules.Rule {
	t.Helper()
	r, err := rules.Parse(raw)
	if err != nil {
		t.Fatalf("parse rule: %v", err)
	}
	return r
}

func TestEval_EnvelopePredicate(t *testing.T) {
	r := mustParse(t, `{"field":"eventType","op":"eq","value":"pr.opened"}`)
	doc := `{"eventType":"pr.opened","source":"github"}`
	if !rules.Eval(r, doc, rules.ModeEnvelope) {
		t.Fatalf("expected match")
	}
	if rules.Eval(r, `{"eventType":"pr.closed"}`, rules.ModeEnvelope) {
		t.Fatalf("expected no match")
	}
}

func TestEval_EnvelopeWhitelistRejectsUnknownField(t *testing.T) {
	r := mustParse(t, `{"field":"secretPayload.token","op":"eq","value":"x"}`)
	doc := `{"secretPayload":{"token":"x"}}`
	if rules.Eval(r, doc, rules.ModeEnvelope) {
		t.Fatalf("envelope mode must reject fields outside the closed whitelist")
	}
}

func TestEval_ProbeModeAcceptsDottedPath(t *testing.T) {
	r := mustParse(t, `{"field":"repo.staleCount","op":"gt","value":3}`)
	doc := `{"repo":{"staleCount":5}}`
	if !rules.Eval(r, doc, rules.ModeProbe) {
		t.Fatalf("expected gt match")
	}
	if rules.Eval(r, `{"repo":{"staleCount":2}}`, rules.ModeProbe) {
		t.Fatalf("expected no match below threshold")
	}
}

func TestEval_AllAnyNot(t *testing.T) {
	r := mustParse(t, `{
		"all": [
			{"field":"status","op":"eq","value":"open"},
			{"any": [
				{"field":"title","op":"contains","value":"urgent"},
				{"field":"title","op":"contains","value":"critical"}
			]},
			{"not": {"field":"actorKind","op":"eq","value":"agent"}}
		]
	}`)
	ok := `{"status":"open","title":"this is urgent","actorKind":"human"}`
	if !rules.Eval(r, ok, rules.ModeEnvelope) {
		t.Fatalf("expected all/any/not combination to match")
	}
	blockedByNot := `{"status":"open","title":"urgent fix","actorKind":"agent"}`
	if rules.Eval(r, blockedByNot, rules.ModeEnvelope) {
		t.Fatalf("expected not clause to exclude agent-authored events")
	}
}

func TestEval_InRequiresArray(t *testing.T) {
	r := mustParse(t, `{"field":"status","op":"in","value":"open"}`)
	if rules.Eval(r, `{"status":"open"}`, rules.ModeEnvelope) {
		t.Fatalf("in with a non-array value must evaluate to false, not error")
	}
}

func TestEval_MatchesCompileFailureIsFalse(t *testing.T) {
	r := mustParse(t, `{"field":"title","op":"matches","value":"("}`)
	if rules.Eval(r, `{"title":"anything"}`, rules.ModeEnvelope) {
		t.Fatalf("an uncompilable regex must evaluate to false")
	}
}

func TestEval_MatchesValid(t *testing.T) {
	r := mustParse(t, `{"field":"title","op":"matches","value":"^release-\\d+$"}`)
	if !rules.Eval(r, `{"title":"release-42"}`, rules.ModeEnvelope) {
		t.Fatalf("expected regex match")
	}
	if rules.Eval(r, `{"title":"release-abc"}`, rules.ModeEnvelope) {
		t.Fatalf("expected no match for non-numeric suffix")
	}
}

func TestEval_ExistsIgnoresValue(t *testing.T) {
	r := mustParse(t, `{"field":"sourceRef","op":"exists"}`)
	if !rules.Eval(r, `{"sourceRef":"pr-123"}`, rules.ModeEnvelope) {
		t.Fatalf("expected sourceRef to exist")
	}
	if rules.Eval(r, `{"eventId":"e-1"}`, rules.ModeEnvelope) {
		t.Fatalf("expected missing sourceRef to fail exists")
	}
}

func TestEval_MissingFieldNeqIsFalse(t *testing.T) {
	r := mustParse(t, `{"field":"status","op":"neq","value":"closed"}`)
	if rules.Eval(r, `{"eventId":"e-1"}`, rules.ModeEnvelope) {
		t.Fatalf("absence of a field is not a defined neq match")
	}
}
