package runtime

import "testing"

func TestIdentityMapper(t *testing.T) {
	m := IdentityMapper{}
	if got := m.ToExecution("/home/user/repo"); got != "/home/user/repo" {
		t.Fatalf("ToExecution = %q, want unchanged", got)
	}
	if got := m.ToHost("/workspace/repo"); got != "/workspace/repo" {
		t.Fatalf("ToHost = %q, want unchanged", got)
	}
}

func TestVolumeMapper(t *testing.T) {
	m := NewVolumeMapper("/home/user/project/", "/workspace")

	if got := m.ToExecution("/home/user/project/src/main.go"); got != "/workspace/src/main.go" {
		t.Errorf("ToExecution = %q", got)
	}
	if got := m.ToHost("/workspace/src/main.go"); got != "/home/user/project/src/main.go" {
		t.Errorf("ToHost = %q", got)
	}
	// Paths outside the mapped root pass through.
	if got := m.ToExecution("/tmp/scratch"); got != "/tmp/scratch" {
		t.Errorf("ToExecution outside root = %q, want pass-through", got)
	}
	if got := m.ToHost("/etc/hosts"); got != "/etc/hosts" {
		t.Errorf("ToHost outside root = %q, want pass-through", got)
	}
	// The root itself maps to the other root.
	if got := m.ToExecution("/home/user/project"); got != "/workspace" {
		t.Errorf("ToExecution(root) = %q, want /workspace", got)
	}
}

func TestVolumeMapperSiblingPrefix(t *testing.T) {
	m := NewVolumeMapper("/data", "/mnt")

	// /data2 shares /data as a string prefix but is not under it.
	if got := m.ToExecution("/data2/x"); got != "/data2/x" {
		t.Errorf("ToExecution = %q, want pass-through", got)
	}
	if got := m.ToHost("/mnt2/x"); got != "/mnt2/x" {
		t.Errorf("ToHost = %q, want pass-through", got)
	}
	if got := m.ToExecution("/data/x"); got != "/mnt/x" {
		t.Errorf("ToExecution = %q, want /mnt/x", got)
	}
}

func TestVolumeMapperRoundTrip(t *testing.T) {
	m := NewVolumeMapper("/host/root", "/exec/root")
	p := "/host/root/a/b/c.txt"
	if got := m.ToHost(m.ToExecution(p)); got != p {
		t.Fatalf("round trip = %q, want %q", got, p)
	}
}
