package spatial

import (
	"errors"
	"testing"
)

func TestParsePriorTypesExpansion(t *testing.T) {
	cases := []struct {
		spec    string
		nParams int
		want    []PriorType
	}{
		{"S+", 3, []PriorType{PriorShrinkage, PriorShrinkage, PriorShrinkage}},
		{"NS+", 4, []PriorType{PriorNonspatial, PriorShrinkage, PriorShrinkage, PriorShrinkage}},
		{"MN+M", 4, []PriorType{PriorMRF2, PriorNonspatial, PriorNonspatial, PriorMRF2}},
		{"NAN", 3, []PriorType{PriorNonspatial, PriorARD, PriorNonspatial}},
		{"NNN+", 2, []PriorType{PriorNonspatial, PriorNonspatial}},
	}
	for _, tc := range cases {
		t.Run(tc.spec, func(t *testing.T) {
			got, err := ParsePriorTypes(tc.spec, tc.nParams)
			if err != nil {
				t.Fatalf("ParsePriorTypes(%q, %d): %v", tc.spec, tc.nParams, err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %d types, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("param %d: got %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestParsePriorTypesRejections(t *testing.T) {
	cases := []struct {
		name    string
		spec    string
		nParams int
	}{
		{"too long", "NNNN", 3},
		{"too short without plus", "N", 3},
		{"double plus", "N+S+", 5},
		{"leading plus", "+N", 2},
		{"unknown code", "NXN", 3},
		{"mixed shrinkage families", "mS+", 3},
		{"empty spec", "", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePriorTypes(tc.spec, tc.nParams)
			if err == nil {
				t.Fatalf("ParsePriorTypes(%q, %d) accepted invalid spec", tc.spec, tc.nParams)
			}
			if !errors.Is(err, ErrConfig) {
				t.Errorf("error %v does not wrap ErrConfig", err)
			}
		})
	}
}

func TestPriorTypePredicates(t *testing.T) {
	shrinkage := []PriorType{PriorMRF, PriorMRF2, PriorPennyDirichlet, PriorPenny, PriorShrinkage}
	for _, p := range shrinkage {
		if !p.IsShrinkage() {
			t.Errorf("%v should be shrinkage", p)
		}
		if p.IsEvidence() {
			t.Errorf("%v should not be evidence-optimized", p)
		}
	}

	evidence := []PriorType{PriorSpatialDelta, PriorSpatialDeltaRho, PriorFixedDelta}
	for _, p := range evidence {
		if !p.IsEvidence() {
			t.Errorf("%v should be evidence-optimized", p)
		}
		if p.IsShrinkage() {
			t.Errorf("%v should not be shrinkage", p)
		}
	}

	for _, p := range []PriorType{PriorNonspatial, PriorImage, PriorARD} {
		if p.IsShrinkage() || p.IsEvidence() {
			t.Errorf("%v should be neither shrinkage nor evidence-optimized", p)
		}
	}
}

func TestShrinkageTypeSingleFamily(t *testing.T) {
	types := []PriorType{PriorNonspatial, PriorShrinkage, PriorShrinkage}
	st, ok := ShrinkageType(types)
	if !ok {
		t.Fatal("expected a shrinkage type to be found")
	}
	if st != PriorShrinkage {
		t.Errorf("got %v, want %v", st, PriorShrinkage)
	}

	if _, ok := ShrinkageType([]PriorType{PriorNonspatial, PriorARD}); ok {
		t.Error("no shrinkage prior present, ShrinkageType should report false")
	}
}
