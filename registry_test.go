package raffel

import (
	"errors"
	"iter"
	"testing"
)

func noopHandler(ctx *Context, payload any) (any, iter.Seq2[any, error], error) {
	return payload, nil, nil
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	def := &HandlerDef{Name: "users.get", Kind: KindProcedure, Handler: noopHandler}

	if err := r.Register(def); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := r.Lookup("users.get")
	if !ok {
		t.Fatal("expected handler to be found")
	}
	if got != def {
		t.Error("expected Lookup to return the registered definition")
	}
}

func TestRegistry_LookupMissing(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("nope"); ok {
		t.Error("expected Lookup for an unregistered name to report false")
	}
}

func TestRegistry_DuplicateNameRejected(t *testing.T) {
	r := NewRegistry()
	first := &HandlerDef{Name: "users.get", Kind: KindProcedure, Handler: noopHandler}
	second := &HandlerDef{Name: "users.get", Kind: KindStream, Handler: noopHandler}

	if err := r.Register(first); err != nil {
		t.Fatalf("unexpected error registering first: %v", err)
	}

	err := r.Register(second)
	if err == nil {
		t.Fatal("expected an error registering a duplicate name")
	}
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeAlreadyExists {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}

	// The original registration must be untouched.
	got, _ := r.Lookup("users.get")
	if got != first {
		t.Error("duplicate registration must not overwrite the original")
	}
}

func TestRegistry_RegisterRequiresNameAndHandler(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&HandlerDef{Name: "", Handler: noopHandler}); err == nil {
		t.Error("expected an error for a missing name")
	}
	if err := r.Register(&HandlerDef{Name: "x"}); err == nil {
		t.Error("expected an error for a missing handler")
	}
}

func TestRegistry_ListOrderingAndFilter(t *testing.T) {
	r := NewRegistry()
	names := []string{"c.one", "a.two", "b.three"}
	kinds := []Kind{KindProcedure, KindStream, KindProcedure}
	for i, name := range names {
		if err := r.Register(&HandlerDef{Name: name, Kind: kinds[i], Handler: noopHandler}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	all := r.List("")
	if len(all) != 3 {
		t.Fatalf("expected 3 handlers, got %d", len(all))
	}
	for i, name := range names {
		if all[i].Name != name {
			t.Errorf("List order[%d]: expected %s, got %s", i, name, all[i].Name)
		}
	}

	procs := r.List(KindProcedure)
	if len(procs) != 2 || procs[0].Name != "c.one" || procs[1].Name != "b.three" {
		t.Fatalf("expected [c.one b.three] filtered by kind, got %v", procNames(procs))
	}
}

func procNames(defs []*HandlerDef) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}
