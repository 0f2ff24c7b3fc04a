package hashtable

import "testing"

func TestSetGetDel(t *testing.T) {
	ht := MkHash(8)
	if _, ok := ht.Get(5); ok {
		t.Fatalf("expected miss on empty table")
	}
	if _, existed := ht.Set(5, 9); existed {
		t.Fatalf("expected no previous value")
	}
	v, ok := ht.Get(5)
	if !ok || v.(int) != 9 {
		t.Fatalf("expected 9, got %v ok=%v", v, ok)
	}
	if old, existed := ht.Set(5, 10); !existed || old.(int) != 9 {
		t.Fatalf("expected update to report old value 9, got %v existed=%v", old, existed)
	}
	ht.Del(5)
	if _, ok := ht.Get(5); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestLenAndElems(t *testing.T) {
	ht := MkHash(4)
	ht.Set(1, "a")
	ht.Set(2, "b")
	ht.Set(3, "c")
	if ht.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", ht.Len())
	}
	if len(ht.Elems()) != 3 {
		t.Fatalf("expected 3 elems, got %d", len(ht.Elems()))
	}
}
