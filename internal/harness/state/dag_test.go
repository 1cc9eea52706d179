package state

import (
	"strconv"
	"testing"
)

func TestDetectCycle(t *testing.T) {
	cases := []struct {
		name  string
		graph map[string][]string
		want  bool
	}{
		{"empty", map[string][]string{}, false},
		{"single", map[string][]string{"a": nil}, false},
		{"linear", map[string][]string{"a": nil, "b": {"a"}, "c": {"b"}}, false},
		{"diamond", map[string][]string{"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"}}, false},
		{"self loop", map[string][]string{"a": {"a"}}, true},
		{"two cycle", map[string][]string{"a": {"b"}, "b": {"a"}}, true},
		{"deep cycle", map[string][]string{"a": nil, "b": {"a"}, "c": {"b", "e"}, "d": {"c"}, "e": {"d"}}, true},
		{"dangling edge", map[string][]string{"a": {"missing"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DetectCycle(tc.graph)
			if tc.want && got == "" {
				t.Fatal("cycle not detected")
			}
			if !tc.want && got != "" {
				t.Fatalf("false cycle at %q", got)
			}
		})
	}
}

func TestDetectCycleDeepChain(t *testing.T) {
	// A 10k-node chain must not overflow anything.
	graph := map[string][]string{"n0": nil}
	prev := "n0"
	for i := 1; i < 10000; i++ {
		id := "n" + strconv.Itoa(i)
		graph[id] = []string{prev}
		prev = id
	}
	if got := DetectCycle(graph); got != "" {
		t.Fatalf("false cycle at %q", got)
	}
	// Close the loop and it must be found.
	graph["n0"] = []string{prev}
	if got := DetectCycle(graph); got == "" {
		t.Fatal("cycle not detected")
	}
}
