package registry

import (
	"context"
	"testing"
)

func TestBuildSnapshot_SkipsUnsupportedProtocol(t *testing.T) {
	cards := []ServiceCard{
		{
			Name:            "modern",
			URL:             "http://modern.local",
			ProtocolVersion: "0.3.0",
			Skills:          []Skill{{ID: "a", Tags: map[string]string{TagType: "alpha"}}},
		},
		{
			Name:            "future",
			URL:             "http://future.local",
			ProtocolVersion: "3.0.0",
			Skills:          []Skill{{ID: "b", Tags: map[string]string{TagType: "beta"}}},
		},
		{
			Name:   "unversioned",
			URL:    "http://unversioned.local",
			Skills: []Skill{{ID: "c", Tags: map[string]string{TagType: "gamma"}}},
		},
	}

	snap := BuildSnapshot(cards)
	if snap.Len() != 2 {
		t.Fatalf("registry:snapshot_test - Len() = %d, want 2 (future card skipped)", snap.Len())
	}
	if snap.HasType("beta") {
		t.Error("registry:snapshot_test - unsupported card's type must not be indexed")
	}
	if !snap.HasType("alpha") || !snap.HasType("gamma") {
		t.Errorf("registry:snapshot_test - KnownTypes() = %v, want alpha and gamma", snap.KnownTypes())
	}
}

func TestBuildSnapshot_IgnoresUntypedSkills(t *testing.T) {
	cards := []ServiceCard{
		{
			Name: "mixed",
			URL:  "http://mixed.local",
			Skills: []Skill{
				{ID: "typed", Tags: map[string]string{TagType: "delta"}},
				{ID: "untyped", Tags: map[string]string{"color": "green"}},
				{ID: "untagged"},
			},
		},
	}

	snap := BuildSnapshot(cards)
	if got := snap.KnownTypes(); len(got) != 1 || got[0] != "delta" {
		t.Errorf("registry:snapshot_test - KnownTypes() = %v, want [delta]", got)
	}
	if len(snap.Skills()) != 3 {
		t.Errorf("registry:snapshot_test - Skills() = %d, want all 3 regardless of tags", len(snap.Skills()))
	}
}

func TestRegistry_RefreshSwapsSnapshot(t *testing.T) {
	src := &StaticSource{Cards: testCards()}
	reg := NewRegistry(src)

	if reg.Snapshot() != nil {
		t.Fatal("registry:snapshot_test - snapshot must be nil before Load")
	}

	first, err := reg.Load(context.Background())
	if err != nil {
		t.Fatalf("registry:snapshot_test - Load failed: %v", err)
	}
	if reg.Snapshot() != first {
		t.Error("registry:snapshot_test - Snapshot() must return the loaded snapshot")
	}

	src.Cards = src.Cards[:1]
	second, err := reg.Refresh(context.Background())
	if err != nil {
		t.Fatalf("registry:snapshot_test - Refresh failed: %v", err)
	}
	if second.Len() != 1 || reg.Snapshot() != second {
		t.Error("registry:snapshot_test - Refresh must swap in the rebuilt snapshot")
	}
	// The old snapshot stays valid for readers that hold it.
	if first.Len() != 3 {
		t.Errorf("registry:snapshot_test - previous snapshot mutated: Len() = %d", first.Len())
	}
}

func TestValidateCards_DuplicateOwner(t *testing.T) {
	cards := []ServiceCard{
		{Name: "a", Skills: []Skill{{ID: "x", Tags: map[string]string{TagType: "pay", TagTenantID: "t1"}}}},
		{Name: "b", Skills: []Skill{{ID: "y", Tags: map[string]string{TagType: "pay", TagTenantID: "t1"}}}},
	}
	err := ValidateCards(cards)
	if err == nil {
		t.Fatal("registry:snapshot_test - expected duplicate (type, tenant) to fail validation")
	}
	if ErrorCode(err) != CodeAmbiguousServiceMatch {
		t.Errorf("registry:snapshot_test - code = %q, want AMBIGUOUS_SERVICE_MATCH", ErrorCode(err))
	}

	// Distinct tenants are fine.
	cards[1].Skills[0].Tags[TagTenantID] = "t2"
	if err := ValidateCards(cards); err != nil {
		t.Errorf("registry:snapshot_test - distinct tenants must validate: %v", err)
	}
}
