package discovery

import "testing"

func TestInstanceNameConvention(t *testing.T) {
	name := InstanceName("default-sync", "a1b2c3d4")
	if name != "asinka-default-sync-a1b2c3d4" {
		t.Fatalf("unexpected instance name: %s", name)
	}
}

func TestIsForeignFiltersByPrefixAndSelf(t *testing.T) {
	self := InstanceName("default-sync", "aaaaaaaa")
	peer := InstanceName("default-sync", "bbbbbbbb")
	other := "not-asinka-service"

	if IsForeign(self, self) {
		t.Fatalf("expected self advertisement to be filtered out")
	}
	if !IsForeign(peer, self) {
		t.Fatalf("expected differently-suffixed asinka peer to be foreign")
	}
	if IsForeign(other, self) {
		t.Fatalf("expected non-asinka service name to be filtered out")
	}
}

func TestRandomInstanceSuffixLength(t *testing.T) {
	s, err := RandomInstanceSuffix()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s) != 8 {
		t.Fatalf("expected 8 hex chars, got %q (%d)", s, len(s))
	}
}
