package mutationstore

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNextVersionStartsAtOne(t *testing.T) {
	s := newTestStore(t)
	v, err := s.NextVersion(context.Background(), "forager")
	if err != nil {
		t.Fatalf("NextVersion: %v", err)
	}
	if v != 1 {
		t.Errorf("NextVersion() = %d, want 1", v)
	}
}

func TestInsertAndNextVersionIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, Record{TraitName: "forager", Version: 1, CodeHash: "h1", Status: StatusValidated}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	v, err := s.NextVersion(ctx, "forager")
	if err != nil {
		t.Fatalf("NextVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("NextVersion() = %d, want 2", v)
	}
}

func TestInsertAssignsMutationID(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Insert(context.Background(), Record{TraitName: "forager", Version: 1, CodeHash: "h1"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec.MutationID == "" {
		t.Error("expected a generated mutation id")
	}
}

func TestHasHashFindsInsertedRecord(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Insert(context.Background(), Record{TraitName: "forager", Version: 1, CodeHash: "abc123"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !s.HasHash("abc123") {
		t.Error("expected HasHash to find the inserted record's hash")
	}
	if s.HasHash("does-not-exist") {
		t.Error("expected HasHash to return false for an unknown hash")
	}
}

func TestUpdateStatusTransitionsRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec, err := s.Insert(ctx, Record{TraitName: "forager", Version: 1, CodeHash: "h1", Status: StatusValidated})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpdateStatus(ctx, rec.MutationID, StatusActive, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}

	records, err := s.ListMutations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].Status != StatusActive {
		t.Fatalf("expected one active record, got %+v", records)
	}
}

func TestActiveVersionReturnsHighestActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec1, _ := s.Insert(ctx, Record{TraitName: "forager", Version: 1, CodeHash: "h1", ArtifactPath: "/a/v1.go"})
	s.UpdateStatus(ctx, rec1.MutationID, StatusRolledBack, "")
	rec2, _ := s.Insert(ctx, Record{TraitName: "forager", Version: 2, CodeHash: "h2", ArtifactPath: "/a/v2.go"})
	s.UpdateStatus(ctx, rec2.MutationID, StatusActive, "")

	path, ok := s.ActiveVersion(ctx, "forager")
	if !ok || path != "/a/v2.go" {
		t.Errorf("ActiveVersion() = %q, %v, want /a/v2.go, true", path, ok)
	}
}

func TestListMutationsOrdersByDescendingCreateTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Insert(ctx, Record{TraitName: "a", Version: 1, CodeHash: "h1"})
	s.Insert(ctx, Record{TraitName: "b", Version: 1, CodeHash: "h2"})

	records, err := s.ListMutations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].TraitName != "b" || records[1].TraitName != "a" {
		t.Errorf("expected descending create-time order, got %s then %s", records[0].TraitName, records[1].TraitName)
	}
}

func TestGetSourceReturnsStoredText(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.Insert(context.Background(), Record{TraitName: "forager", Version: 1, CodeHash: "h1", Source: "package traitplugin"})

	src, ok := s.GetSource(context.Background(), rec.MutationID)
	if !ok || src != "package traitplugin" {
		t.Errorf("GetSource() = %q, %v", src, ok)
	}

	if _, ok := s.GetSource(context.Background(), "nonexistent"); ok {
		t.Error("expected GetSource to report false for an unknown mutation id")
	}
}

func TestVersionsForTraitOrdersAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Insert(ctx, Record{TraitName: "forager", Version: 2, CodeHash: "h2"})
	s.Insert(ctx, Record{TraitName: "forager", Version: 1, CodeHash: "h1"})
	s.Insert(ctx, Record{TraitName: "forager", Version: 3, CodeHash: "h3"})

	versions, err := s.VersionsForTrait(ctx, "forager")
	if err != nil {
		t.Fatalf("versions for trait: %v", err)
	}
	if len(versions) != 3 || versions[0].Version != 1 || versions[2].Version != 3 {
		t.Fatalf("expected ascending version order, got %+v", versions)
	}
}

func TestTraitNamesReturnsDistinctNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Insert(ctx, Record{TraitName: "forager", Version: 1, CodeHash: "h1"})
	s.Insert(ctx, Record{TraitName: "forager", Version: 2, CodeHash: "h2"})
	s.Insert(ctx, Record{TraitName: "hoarder", Version: 1, CodeHash: "h3"})

	names, err := s.TraitNames(ctx)
	if err != nil {
		t.Fatalf("trait names: %v", err)
	}
	if len(names) != 2 || names[0] != "forager" || names[1] != "hoarder" {
		t.Fatalf("expected [forager hoarder], got %+v", names)
	}
}
