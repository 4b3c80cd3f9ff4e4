package matcher

import (
	"math"
	"testing"

	"github.com/andresmejia3/facewatch/internal/types"
)

func identity(name string, v ...float64) *types.Identity {
	return &types.Identity{Name: name, Embedding: v}
}

func TestEuclideanDist(t *testing.T) {
	tests := []struct {
		name string
		a    []float64
		b    []float64
		want float64
	}{
		{"identical", []float64{1, 2}, []float64{1, 2}, 0},
		{"3-4-5 triangle", []float64{0, 0}, []float64{3, 4}, 5},
		{"empty", []float64{}, []float64{}, 0},
		{"length mismatch", []float64{1}, []float64{1, 2}, math.Inf(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EuclideanDist(tt.a, tt.b)
			if math.IsInf(tt.want, 1) {
				if !math.IsInf(got, 1) {
					t.Errorf("EuclideanDist() = %v, want +Inf", got)
				}
				return
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("EuclideanDist() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatch_EmptyRegistry(t *testing.T) {
	for _, radius := range []float64{0.1, DefaultRadius, 10} {
		if _, ok := Match([]float64{1, 0}, nil, radius); ok {
			t.Errorf("Match on empty registry with radius %v returned a match", radius)
		}
	}
}

func TestMatch_ExactEmbedding(t *testing.T) {
	alice := identity("Alice", 0.3, 0.4)
	bob := identity("Bob", 1, 1)

	res, ok := Match([]float64{0.3, 0.4}, []*types.Identity{bob, alice}, 0.01)
	if !ok {
		t.Fatal("Expected an exact embedding to match")
	}
	if res.Identity != alice || res.Distance != 0 {
		t.Errorf("Match() = %s at %v, want Alice at 0", res.Identity.Name, res.Distance)
	}
}

func TestMatch_StrictRadius(t *testing.T) {
	alice := identity("Alice", 0, 0)
	query := []float64{0.6, 0} // distance exactly 0.6

	if _, ok := Match(query, []*types.Identity{alice}, 0.6); ok {
		t.Error("Distance equal to the radius must be rejected")
	}
	if _, ok := Match(query, []*types.Identity{alice}, 0.61); !ok {
		t.Error("Distance below the radius must be accepted")
	}
}

func TestMatch_GlobalMinimum(t *testing.T) {
	// Both are inside the radius; the nearer one must win even though it comes later.
	far := identity("Far", 0.5, 0)
	near := identity("Near", 0.1, 0)

	res, ok := Match([]float64{0, 0}, []*types.Identity{far, near}, DefaultRadius)
	if !ok || res.Identity != near {
		t.Fatalf("Expected Near, got %+v (ok=%v)", res.Identity, ok)
	}
}

func TestMatch_TieBreaksOnOrder(t *testing.T) {
	first := identity("First", 0.2, 0)
	second := identity("Second", -0.2, 0)

	res, ok := Match([]float64{0, 0}, []*types.Identity{first, second}, DefaultRadius)
	if !ok || res.Identity != first {
		t.Errorf("Expected the first equidistant identity to win, got %+v", res.Identity)
	}
}

func TestMatch_SkipsMismatchedDimensions(t *testing.T) {
	broken := identity("Broken", 0)
	good := identity("Good", 0.1, 0.1)

	res, ok := Match([]float64{0, 0}, []*types.Identity{broken, good}, DefaultRadius)
	if !ok || res.Identity != good {
		t.Errorf("Expected Good, got %+v", res.Identity)
	}
}

func TestMatch_RadiusMonotonic(t *testing.T) {
	candidates := []*types.Identity{
		identity("A", 0.1, 0.7),
		identity("B", 0.5, 0.5),
		identity("C", -0.3, 0.2),
	}
	queries := [][]float64{{0, 0}, {0.4, 0.4}, {1, 1}, {-0.3, 0.25}}
	radii := []float64{0.05, 0.1, 0.3, 0.6, 0.9, 2}

	for _, q := range queries {
		accepted := false
		var prev *types.Identity
		for _, r := range radii {
			res, ok := Match(q, candidates, r)
			if accepted && !ok {
				t.Errorf("query %v: match lost when radius grew to %v", q, r)
			}
			if accepted && ok && res.Identity != prev {
				t.Errorf("query %v: matched identity changed from %s to %s", q, prev.Name, res.Identity.Name)
			}
			if ok {
				accepted = true
				prev = res.Identity
			}
		}
	}
}

func TestMatch_EndToEndDistances(t *testing.T) {
	// Alice sits 0.3 away from the query, Bob 0.9 away.
	alice := identity("Alice", 0.3, 0)
	bob := identity("Bob", 0, 0.9)

	res, ok := Match([]float64{0, 0}, []*types.Identity{bob, alice}, DefaultRadius)
	if !ok || res.Identity.Name != "Alice" {
		t.Fatalf("Expected Alice, got %+v", res.Identity)
	}
	if math.Abs(res.Distance-0.3) > 1e-9 {
		t.Errorf("Distance = %v, want 0.3", res.Distance)
	}
}
