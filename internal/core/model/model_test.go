package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func validRequest() FilterRequest {
	return FilterRequest{
		Source:     "parcels",
		Targets:    []string{"buildings", "roads"},
		Predicates: []Predicate{PredIntersects},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validRequest().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*FilterRequest){
		"no source":     func(r *FilterRequest) { r.Source = " " },
		"no targets":    func(r *FilterRequest) { r.Targets = nil },
		"dup target":    func(r *FilterRequest) { r.Targets = []string{"a", "a"} },
		"source target": func(r *FilterRequest) { r.Targets = []string{"parcels"} },
		"no predicates": func(r *FilterRequest) { r.Predicates = nil },
		"bad predicate": func(r *FilterRequest) { r.Predicates = []Predicate{"near"} },
		"dwithin no d":  func(r *FilterRequest) { r.Predicates = []Predicate{PredDWithin} },
		"and not preds": func(r *FilterRequest) { r.PredicateCombine = CombineAndNot },
		"bad combine":   func(r *FilterRequest) { r.TargetCombine = "XOR" },
		"bad override":  func(r *FilterRequest) { r.Overrides = map[string]BackendKind{"roads": "oracle"} },
	}
	for name, mut := range cases {
		r := validRequest()
		mut(&r)
		err := r.Validate()
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if !errors.Is(err, ErrInput) {
			t.Errorf("%s: want ErrInput, got %v", name, err)
		}
	}
}

func TestParseCombine(t *testing.T) {
	cases := map[string]CombineOp{
		"":        CombineReplace,
		"and":     CombineAnd,
		"Or":      CombineOr,
		"and_not": CombineAndNot,
		"AND-NOT": CombineAndNot,
		"and not": CombineAndNot,
	}
	for in, want := range cases {
		got, err := ParseCombine(in)
		if err != nil || got != want {
			t.Errorf("ParseCombine(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := ParseCombine("xor"); err == nil {
		t.Fatalf("expected error for xor")
	}
}

func TestPredicateSet_DedupesAndSorts(t *testing.T) {
	r := FilterRequest{Predicates: []Predicate{PredWithin, PredIntersects, PredWithin}}
	got := r.PredicateSet()
	if len(got) != 2 || got[0] != PredIntersects || got[1] != PredWithin {
		t.Fatalf("got %v", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ClassNone},
		{fmt.Errorf("wrap: %w", ErrUnavailable), ClassUnavailable},
		{context.Canceled, ClassCancelled},
		{fmt.Errorf("x: %w", ErrExpression), ClassExpression},
		{errors.New("boom"), ClassInternal},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v)=%q want %q", c.err, got, c.want)
		}
	}
	if !ClassUnavailable.Aborts() || ClassExpression.Aborts() {
		t.Fatalf("abort classes wrong")
	}
}

func TestPreparedGeometry_Eroded(t *testing.T) {
	pg := &PreparedGeometry{InputCount: 1, ErodedCount: 1}
	if !pg.Eroded() {
		t.Fatalf("expected eroded")
	}
	pg = &PreparedGeometry{InputCount: 1, InvalidCount: 1}
	if pg.Eroded() {
		t.Fatalf("invalid-only must not report eroded")
	}
}
