package policy

import (
	"sync"
	"testing"
)

func allOn() AutoApproval {
	return AutoApproval{
		Enabled: true,
		Actions: Actions{ReadFiles: true, EditFiles: true, ExecuteCommands: true, UseBrowser: true, UseMcp: true},
	}
}

func TestDecide_DisabledAlwaysAsks(t *testing.T) {
	p := allOn()
	p.Enabled = false
	for _, c := range []Category{CategoryReadFiles, CategoryEditFiles, CategoryExecuteCommands} {
		if d, reason := p.Decide(c, 0); d != Ask || reason != "auto_approval_disabled" {
			t.Fatalf("%s: got %s (%s), want ask", c, d, reason)
		}
	}
}

func TestDecide_PerCategory(t *testing.T) {
	p := AutoApproval{Enabled: true, Actions: Actions{ReadFiles: true}}
	if d, _ := p.Decide(CategoryReadFiles, 0); d != Auto {
		t.Fatalf("read should be auto, got %s", d)
	}
	if d, reason := p.Decide(CategoryEditFiles, 0); d != Ask || reason != "category_not_approved" {
		t.Fatalf("edit should ask, got %s (%s)", d, reason)
	}
	if d, _ := p.Decide(Category("teleport"), 0); d != Ask {
		t.Fatalf("unknown category should ask, got %s", d)
	}
}

func TestDecide_MaxRequests(t *testing.T) {
	p := allOn()
	p.MaxRequests = 3
	for i := 0; i < 3; i++ {
		if d, _ := p.Decide(CategoryExecuteCommands, i); d != Auto {
			t.Fatalf("call %d should be auto", i)
		}
	}
	if d, reason := p.Decide(CategoryExecuteCommands, 3); d != Ask || reason != "max_requests_reached" {
		t.Fatalf("call past cap should ask, got %s (%s)", d, reason)
	}
}

func TestNormalize_DefaultMaxRequests(t *testing.T) {
	if got := (AutoApproval{}).Normalize().MaxRequests; got != DefaultMaxRequests {
		t.Fatalf("MaxRequests = %d, want %d", got, DefaultMaxRequests)
	}
	if Default().Enabled {
		t.Fatal("default policy must not auto-approve")
	}
}

func TestValidate(t *testing.T) {
	if err := (AutoApproval{MaxRequests: -1}).Validate(); err == nil {
		t.Fatal("expected error for negative maxRequests")
	}
	if err := allOn().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVersion_Stable(t *testing.T) {
	a := allOn()
	b := allOn()
	if a.Version() != b.Version() {
		t.Fatal("identical policies must share a version")
	}
	b.Actions.UseMcp = false
	if a.Version() == b.Version() {
		t.Fatal("different policies must differ in version")
	}
	// Zero MaxRequests normalizes to the default before hashing.
	c := allOn()
	c.MaxRequests = DefaultMaxRequests
	if a.Version() != c.Version() {
		t.Fatal("normalization should not change the version")
	}
}

func TestLive_UpdateIsVisible(t *testing.T) {
	lp := NewLive(Default())
	if d, _ := lp.Decide(CategoryReadFiles, 0); d != Ask {
		t.Fatalf("default should ask, got %s", d)
	}
	lp.Update(allOn())
	if d, _ := lp.Decide(CategoryReadFiles, 0); d != Auto {
		t.Fatalf("updated policy should auto-approve, got %s", d)
	}
	if lp.Snapshot().MaxRequests != DefaultMaxRequests {
		t.Fatalf("snapshot not normalized: %+v", lp.Snapshot())
	}
}

func TestLive_ConcurrentAccess(t *testing.T) {
	lp := NewLive(Default())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			lp.Update(allOn())
		}()
		go func() {
			defer wg.Done()
			_, _ = lp.Decide(CategoryEditFiles, 0)
			_ = lp.Version()
		}()
	}
	wg.Wait()
}
