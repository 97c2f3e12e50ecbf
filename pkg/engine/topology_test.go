package engine

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestDiffConnections(t *testing.T) {
	c := func(src, dst string) ConnectionSnapshot {
		return ConnectionSnapshot{SrcUID: src, SrcPort: "0", DstUID: dst, DstPort: "0"}
	}

	tests := []struct {
		name        string
		prev, cur   []ConnectionSnapshot
		wantRemoved []ConnectionSnapshot
		wantAdded   []ConnectionSnapshot
	}{
		{
			name: "empty",
		},
		{
			name:      "all new",
			cur:       []ConnectionSnapshot{c("b", "c"), c("a", "b")},
			wantAdded: []ConnectionSnapshot{c("a", "b"), c("b", "c")},
		},
		{
			name:        "all removed",
			prev:        []ConnectionSnapshot{c("a", "b")},
			wantRemoved: []ConnectionSnapshot{c("a", "b")},
		},
		{
			name:        "partial",
			prev:        []ConnectionSnapshot{c("a", "b"), c("b", "c")},
			cur:         []ConnectionSnapshot{c("b", "c"), c("c", "d")},
			wantRemoved: []ConnectionSnapshot{c("a", "b")},
			wantAdded:   []ConnectionSnapshot{c("c", "d")},
		},
		{
			name: "duplicates collapse",
			prev: []ConnectionSnapshot{c("a", "b")},
			cur:  []ConnectionSnapshot{c("a", "b"), c("a", "b")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			removed, added := DiffConnections(tt.prev, tt.cur)
			if !reflect.DeepEqual(removed, tt.wantRemoved) {
				t.Errorf("removed = %v, want %v", removed, tt.wantRemoved)
			}
			if !reflect.DeepEqual(added, tt.wantAdded) {
				t.Errorf("added = %v, want %v", added, tt.wantAdded)
			}
		})
	}
}

// Applying the diff to prev must always yield cur as a set.
func TestDiffConnections_Apply(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	uids := []string{"a", "b", "c", "d"}
	random := func() []ConnectionSnapshot {
		var out []ConnectionSnapshot
		for i := rng.Intn(8); i > 0; i-- {
			out = append(out, ConnectionSnapshot{
				SrcUID: uids[rng.Intn(len(uids))], SrcPort: "0",
				DstUID: uids[rng.Intn(len(uids))], DstPort: "0",
			})
		}
		return out
	}
	toSet := func(cs []ConnectionSnapshot) map[ConnectionSnapshot]bool {
		m := make(map[ConnectionSnapshot]bool)
		for _, c := range cs {
			m[c] = true
		}
		return m
	}

	for i := 0; i < 200; i++ {
		prev, cur := random(), random()
		removed, added := DiffConnections(prev, cur)

		got := toSet(prev)
		for _, c := range removed {
			delete(got, c)
		}
		for _, c := range added {
			if got[c] {
				t.Fatalf("added %v already present in prev %v", c, prev)
			}
			got[c] = true
		}
		if want := toSet(cur); !reflect.DeepEqual(got, want) {
			t.Fatalf("prev %v - %v + %v = %v, want %v", prev, removed, added, got, want)
		}
	}
}
