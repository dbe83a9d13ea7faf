package resolver

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func addrs(names ...string) []Address {
	out := make([]Address, 0, len(names))
	for _, n := range names {
		out = append(out, Address{Addr: n})
	}
	return out
}

// pickN returns the addresses p picks over n calls.
func pickN(t *testing.T, p Picker, in []Address, n int) []string {
	t.Helper()
	var got []string
	for range n {
		a, err := p.Pick(in)
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		got = append(got, a.Addr)
	}
	return got
}

func TestPickersEmpty(t *testing.T) {
	for _, name := range []string{RoundRobin, PickFirst, Priority, Weighted, Random} {
		p, err := NewPicker(name)
		if err != nil {
			t.Fatalf("[TestPickersEmpty](%s): NewPicker: %v", name, err)
		}
		if _, err := p.Pick(nil); err != ErrNoAddresses {
			t.Errorf("[TestPickersEmpty](%s): got err == %v, want ErrNoAddresses", name, err)
		}
	}
	if _, err := NewPicker("least_loaded"); err == nil {
		t.Errorf("[TestPickersEmpty]: NewPicker(least_loaded): got err == nil, want err != nil")
	}
}

func TestPickerOrder(t *testing.T) {
	tests := []struct {
		name   string
		picker Picker
		in     []Address
		n      int
		want   []string
	}{
		{
			name:   "Success: round robin",
			picker: &RoundRobinPicker{},
			in:     addrs("a", "b", "c"),
			n:      5,
			want:   []string{"a", "b", "c", "a", "b"},
		},
		{
			name:   "Success: first",
			picker: FirstPicker{},
			in:     addrs("a", "b"),
			n:      3,
			want:   []string{"a", "a", "a"},
		},
		{
			name:   "Success: priority picks among the lowest",
			picker: &PriorityPicker{},
			in:     []Address{{Addr: "backup", Priority: 1}, {Addr: "p1"}, {Addr: "p2"}},
			n:      4,
			want:   []string{"p1", "p2", "p1", "p2"},
		},
		{
			name:   "Success: weighted",
			picker: &WeightedPicker{},
			in:     []Address{{Addr: "heavy", Weight: 3}, {Addr: "light"}},
			n:      8,
			want:   []string{"heavy", "heavy", "heavy", "light", "heavy", "heavy", "heavy", "light"},
		},
	}

	for _, test := range tests {
		got := pickN(t, test.picker, test.in, test.n)
		if diff := pretty.Compare(test.want, got); diff != "" {
			t.Errorf("[TestPickerOrder](%s): -want/+got:\n%s", test.name, diff)
		}
	}
}

func TestRandomPicker(t *testing.T) {
	in := addrs("a", "b", "c")
	seen := map[string]int{}
	for _, a := range pickN(t, RandomPicker{}, in, 300) {
		seen[a]++
	}
	for _, a := range in {
		if seen[a.Addr] == 0 {
			t.Errorf("[TestRandomPicker]: %s never picked in 300 tries", a.Addr)
		}
	}
}
