package keys

import (
	"regexp"
	"strings"
	"testing"
	"unicode"
)

var keyShape = regexp.MustCompile(`^[A-Za-z0-9:_=.\-]+:f=[0-9a-f]{16}$`)

func TestGeometry_Deterministic(t *testing.T) {
	in := []string{"POLYGON((0 0,1 0,1 1,0 0))", "POINT(3 4)"}
	k1 := Geometry("parcels", 3857, 6, -2.5, in)
	k2 := Geometry("parcels", 3857, 6, -2.5, in)
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
	if !keyShape.MatchString(k1) {
		t.Fatalf("key contains disallowed characters: %s", k1)
	}
}

func TestGeometry_InputsChangeKey(t *testing.T) {
	base := Geometry("parcels", 3857, 6, 0, []string{"POINT(1 1)"})
	for name, k := range map[string]string{
		"precision": Geometry("parcels", 3857, 5, 0, []string{"POINT(1 1)"}),
		"buffer":    Geometry("parcels", 3857, 6, 1, []string{"POINT(1 1)"}),
		"srid":      Geometry("parcels", 4326, 6, 0, []string{"POINT(1 1)"}),
		"text":      Geometry("parcels", 3857, 6, 0, []string{"POINT(1 2)"}),
		"split":     Geometry("parcels", 3857, 6, 0, []string{"POINT(1", " 1)"}),
	} {
		if k == base {
			t.Errorf("%s did not change the key", name)
		}
	}
}

func TestExpression_PredicateOrderAndSpacing(t *testing.T) {
	a := ExpressionInput{
		Target: "buildings", Backend: "postgresql",
		Predicates: []string{"within", "intersects"}, PredicateOp: "and", Combine: "AND",
		GeometryHash: 42, Existing: `"kind"  =  'a  b'`,
	}
	b := a
	b.Predicates = []string{"intersects", "within", "intersects"}
	b.PredicateOp = "AND"
	b.Existing = ` "kind" = 'a  b' `
	if Expression(a) != Expression(b) {
		t.Fatalf("normalized inputs should share a key")
	}

	c := a
	c.Existing = `"kind" = 'a b'`
	if Expression(a) == Expression(c) {
		t.Fatalf("whitespace inside a literal is significant")
	}
	d := a
	d.Backend = "spatialite"
	if Expression(a) == Expression(d) {
		t.Fatalf("backend kind must be part of the key")
	}
}

func TestStructure_PrefixMatches(t *testing.T) {
	k := Structure("roads", ExpressionHash(`"a" = 1`))
	if !strings.HasPrefix(k, StructurePrefix("roads")) {
		t.Fatalf("%s does not start with %s", k, StructurePrefix("roads"))
	}
	if ExpressionHash(`"a"   = 1`) != ExpressionHash(`"a" = 1`) {
		t.Fatalf("expression hash should ignore spacing")
	}
}

func TestUnicodeSafety_NoPanicAndHashSuffixPresent(t *testing.T) {
	k := Geometry("Göteborg:雪 layer", 4326, 6, 0, nil)
	for _, r := range k {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into key: %q in %s", r, k)
		}
	}
	if !keyShape.MatchString(k) {
		t.Fatalf("missing or invalid :f=<hex64> suffix in key: %s", k)
	}
}
