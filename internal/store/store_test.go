package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFixture(t *testing.T, dir string, tree map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, "db.json")
	data, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestStoreLoadMissingFileStartsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("unexpected error loading missing file: %v", err)
	}
	if len(s.tree) != 0 {
		t.Errorf("expected empty tree, got %v", s.tree)
	}
}

func TestStoreLoadAndQuery(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, map[string]any{
		"users": []any{
			map[string]any{"id": "u1", "name": "ada"},
		},
	})
	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	recipe := Recipe{Name: "getUser", Expression: "users.#(id==$id)"}
	v := s.Query(recipe, map[string]any{"id": "u1"})
	obj, ok := v.(map[string]any)
	if !ok || obj["name"] != "ada" {
		t.Fatalf("unexpected query result: %v", v)
	}
}

func TestStoreQueryReturnsDeepCopy(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, map[string]any{
		"users": []any{map[string]any{"id": "u1", "name": "ada"}},
	})
	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	recipe := Recipe{Expression: "users.#(id==$id)"}
	first := s.Query(recipe, map[string]any{"id": "u1"}).(map[string]any)
	first["name"] = "mutated"

	second := s.Query(recipe, map[string]any{"id": "u1"}).(map[string]any)
	if second["name"] != "ada" {
		t.Fatalf("mutation of one query result leaked into the store: %v", second)
	}
}

func TestStoreQueryFallsBackToDefaults(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "db.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	recipe := Recipe{Expression: "missing.path", Defaults: map[string]any{"ok": true}}
	v := s.Query(recipe, nil).(map[string]any)
	if v["ok"] != true {
		t.Errorf("expected defaults fallback, got %v", v)
	}
}

func TestStoreModifyInsertAssignsUUID(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "db.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	recipe := Recipe{
		Collection: "users",
		Unique:     &UniqueSpec{Key: "id", Strategy: "uuid"},
	}
	results, err := s.Modify(recipe, []ModifyEntry{
		{Record: map[string]any{"name": "ada"}},
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if len(results) != 1 || results[0].Op != OpAdd {
		t.Fatalf("expected single add, got %+v", results)
	}
	if results[0].Ref == nil || results[0].Ref == "" {
		t.Errorf("expected assigned uuid ref, got %v", results[0].Ref)
	}
}

func TestStoreModifyUpdateMerges(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, map[string]any{
		"users": []any{map[string]any{"id": "u1", "name": "ada", "role": "admin"}},
	})
	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	recipe := Recipe{Collection: "users", Reference: "users#(id==$id)"}
	results, err := s.Modify(recipe, []ModifyEntry{
		{Ref: "u1", Record: map[string]any{"name": "ada lovelace"}},
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if len(results) != 1 || results[0].Op != OpChange {
		t.Fatalf("expected change op, got %+v", results)
	}

	v := s.Query(Recipe{Expression: "users.#(id==$id)"}, map[string]any{"id": "u1"}).(map[string]any)
	if v["name"] != "ada lovelace" {
		t.Errorf("expected merged name, got %v", v["name"])
	}
	if v["role"] != "admin" {
		t.Errorf("expected untouched field to survive merge, got %v", v["role"])
	}
}

func TestStoreModifyDeleteRemovesRecord(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, map[string]any{
		"users": []any{map[string]any{"id": "u1", "name": "ada"}},
	})
	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	recipe := Recipe{Collection: "users", Reference: "users#(id==$id)"}
	results, err := s.Modify(recipe, []ModifyEntry{{Ref: "u1"}})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if len(results) != 1 || results[0].Op != OpDelete {
		t.Fatalf("expected delete op, got %+v", results)
	}

	// A query that matches nothing falls back to the empty object.
	v, _ := s.Query(Recipe{Expression: "users.#(id==$id)"}, map[string]any{"id": "u1"}).(map[string]any)
	if len(v) != 0 {
		t.Errorf("expected record to no longer match after delete, got %v", v)
	}
}

func TestStoreModifyDeleteMissingIsNop(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "db.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	recipe := Recipe{Collection: "users", Reference: "users#(id==$id)"}
	results, err := s.Modify(recipe, []ModifyEntry{{Ref: "ghost"}})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if len(results) != 1 || results[0].Op != OpNop {
		t.Fatalf("expected nop, got %+v", results)
	}
}

func TestStoreModifyFieldStrategyRequiresValue(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "db.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	recipe := Recipe{
		Collection: "users",
		Unique:     &UniqueSpec{Key: "email", Strategy: "field"},
	}
	results, err := s.Modify(recipe, []ModifyEntry{
		{Record: map[string]any{"name": "no email"}},
	})
	if err == nil {
		t.Fatal("expected error for missing unique field")
	}
	if len(results) != 1 || results[0].Op != OpBad {
		t.Fatalf("expected bad op, got %+v", results)
	}
}

func TestStoreModifyOrderIsDeterministic(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "db.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	recipe := Recipe{Collection: "items", Unique: &UniqueSpec{Key: "id", Strategy: "seq"}}
	results, err := s.Modify(recipe, []ModifyEntry{
		{Record: map[string]any{"name": "first"}},
		{Record: map[string]any{"name": "second"}},
		{Record: map[string]any{"name": "third"}},
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	for i, r := range results {
		if r.Op != OpAdd || *r.Index != i {
			t.Errorf("entry %d: expected add at index %d, got op=%s idx=%v", i, i, r.Op, r.Index)
		}
	}
}

func TestStorePersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	recipe := Recipe{Collection: "users", Unique: &UniqueSpec{Key: "id", Strategy: "uuid"}}
	if _, err := s.Modify(recipe, []ModifyEntry{{Record: map[string]any{"name": "ada"}}}); err != nil {
		t.Fatalf("modify: %v", err)
	}

	s.persist()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected persisted file, got error: %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("persisted file is not valid JSON: %v", err)
	}
	users, ok := onDisk["users"].([]any)
	if !ok || len(users) != 1 {
		t.Fatalf("expected one persisted user, got %v", onDisk["users"])
	}
}

func TestStoreLookupRecipe(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, map[string]any{
		"recipes": []any{
			map[string]any{"name": "getUser", "expression": "users.#(id==$id)"},
		},
	})
	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	r, ok := s.Lookup("getUser")
	if !ok {
		t.Fatal("expected recipe to be found")
	}
	if r.Expression != "users.#(id==$id)" {
		t.Errorf("unexpected recipe: %+v", r)
	}
	if _, ok := s.Lookup("missing"); ok {
		t.Error("expected missing recipe lookup to fail")
	}
}

func TestStoreVersionIncrementsOnLoadAndModify(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, map[string]any{})
	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	v0 := s.Version()

	recipe := Recipe{Collection: "users", Unique: &UniqueSpec{Key: "id", Strategy: "seq"}}
	if _, err := s.Modify(recipe, []ModifyEntry{{Record: map[string]any{"name": "ada"}}}); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if s.Version() <= v0 {
		t.Errorf("expected version to advance after modify, got %d -> %d", v0, s.Version())
	}
}

func TestStoreDebounceDefaultsWhenMetaAbsent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "db.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.meta.DebounceMS != 1000 {
		t.Errorf("expected default debounce of 1000ms, got %d", s.meta.DebounceMS)
	}
}

func TestStoreCloseStopsWatcher(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, map[string]any{})
	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Errorf("unexpected error closing store: %v", err)
	}
}
