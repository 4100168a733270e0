package registry

import (
	"sync"
	"testing"

	"epoque/errors"
)

func eventRegistry(t *testing.T, tags ...string) *Registry[int] {
	t.Helper()
	b := NewBuilder[int]("events", func(tag string) error { return errors.EventNotSupported(tag) })
	for i, tag := range tags {
		if err := b.Add(tag, i); err != nil {
			t.Fatalf("add %s: %v", tag, err)
		}
	}
	r, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return r
}

func TestRegistry_Find(t *testing.T) {
	r := eventRegistry(t, "ProjectCreated", "ProjectRenamed")

	v, err := r.Find("ProjectRenamed")
	if err != nil || v != 1 {
		t.Fatalf("find: v=%d err=%v", v, err)
	}

	_, err = r.Find("ProjectDeleted")
	if !errors.IsErrorCode(err, errors.ErrCodeEventNotSupported) {
		t.Fatalf("expected EVENT_NOT_SUPPORTED, got %v", err)
	}
	if got := err.(errors.IError).Details()["event_type"]; got != "ProjectDeleted" {
		t.Fatalf("error should carry the tag, got %v", got)
	}
}

func TestBuilder_RejectsDuplicates(t *testing.T) {
	b := NewBuilder[string]("commands", nil)
	if err := b.Add("CreateProject", "a"); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := b.Add("CreateProject", "b")
	if !errors.IsErrorCode(err, errors.ErrCodeDuplicateRegistration) {
		t.Fatalf("expected DUPLICATE_REGISTRATION, got %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatalf("build should fail after a duplicate add")
	}
}

func TestBuilder_RejectsEmptyTag(t *testing.T) {
	_, err := NewBuilder[string]("commands", nil).MustAdd("A", "a").Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b := NewBuilder[string]("commands", nil)
	if err := b.Add("", "x"); !errors.IsErrorCode(err, errors.ErrCodeInvalidConfiguration) {
		t.Fatalf("expected INVALID_CONFIGURATION, got %v", err)
	}
}

func TestRegistry_DefaultNotFound(t *testing.T) {
	r := Empty[int]("processors", nil)
	if _, err := r.Find("X"); err == nil {
		t.Fatalf("expected not found error")
	}
	if r.Len() != 0 || r.Contains("X") {
		t.Fatalf("empty registry should be empty")
	}
}

func TestRegistry_ToMapIsCopy(t *testing.T) {
	r := eventRegistry(t, "A", "B")
	m := r.ToMap()
	m["C"] = 2
	delete(m, "A")
	if r.Len() != 2 || !r.Contains("A") || r.Contains("C") {
		t.Fatalf("registry mutated through ToMap copy")
	}
}

func TestMerge(t *testing.T) {
	a := eventRegistry(t, "B", "A")
	b := eventRegistry(t, "C")

	merged, err := Merge(a, b)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got := merged.Types(); len(got) != 3 || got[0] != "A" || got[2] != "C" {
		t.Fatalf("unexpected types %v", got)
	}

	_, err = Merge(a, eventRegistry(t, "A"))
	if !errors.IsErrorCode(err, errors.ErrCodeDuplicateRegistration) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := Merge[int](); err == nil {
		t.Fatalf("merging nothing should fail")
	}
}

func TestRegistry_ConcurrentFind(t *testing.T) {
	r := eventRegistry(t, "A", "B", "C")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := r.Find("B"); err != nil {
					t.Errorf("find: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
