package list

import "testing"

func TestPushPop(t *testing.T) {
	var l List[int]

	if !l.Empty() {
		t.Fatalf("want new list empty")
	}

	if err := l.Push(1); err != nil {
		t.Fatalf("push: %s", err)
	}

	if err := l.Push(2); err != nil {
		t.Fatalf("push: %s", err)
	}

	if got, ok := l.Pop(); !ok || got != 2 {
		t.Errorf("want 2, true; got %d, %v", got, ok)
	}

	if got, ok := l.Pop(); !ok || got != 1 {
		t.Errorf("want 1, true; got %d, %v", got, ok)
	}

	if !l.Empty() {
		t.Errorf("want list empty after draining")
	}

	if _, ok := l.Pop(); ok {
		t.Errorf("want pop of empty list to report false")
	}
}

func TestCollectPreservesOrder(t *testing.T) {
	l, err := Collect([]int{1, 2, 3})
	if err != nil {
		t.Fatalf("collect: %s", err)
	}

	var got []int
	l.ForEach(func(v *int) bool {
		got = append(got, *v)
		return true
	})

	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: want %d, got %d", i, want[i], got[i])
		}
	}
}

func TestFindAndFindIndex(t *testing.T) {
	l, err := Collect([]int{10, 20, 30})
	if err != nil {
		t.Fatalf("collect: %s", err)
	}

	v, ok := l.Find(func(v *int) bool { return *v == 20 })
	if !ok || *v != 20 {
		t.Errorf("want 20, true; got %v, %v", v, ok)
	}

	i, ok := l.FindIndex(func(v *int) bool { return *v == 30 })
	if !ok || i != 2 {
		t.Errorf("want index 2, true; got %d, %v", i, ok)
	}

	if _, ok := l.Find(func(v *int) bool { return *v == 99 }); ok {
		t.Errorf("want no match for 99")
	}
}

func TestRemove(t *testing.T) {
	l, err := Collect([]int{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("collect: %s", err)
	}

	v, ok := l.Remove(func(v *int) bool { return *v == 3 })
	if !ok || v != 3 {
		t.Fatalf("want 3, true; got %d, %v", v, ok)
	}

	if got := l.Len(); got != 3 {
		t.Errorf("want length 3 after removing one of four, got %d", got)
	}

	if _, ok := l.Find(func(v *int) bool { return *v == 3 }); ok {
		t.Errorf("want 3 gone after Remove")
	}

	// Removing the head exercises the special-cased first element.
	v, ok = l.Remove(func(v *int) bool { return *v == 1 })
	if !ok || v != 1 {
		t.Fatalf("want 1, true; got %d, %v", v, ok)
	}

	if got := l.Len(); got != 2 {
		t.Errorf("want length 2, got %d", got)
	}
}

func TestGet(t *testing.T) {
	l, err := Collect([]string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("collect: %s", err)
	}

	if v, ok := l.Get(1); !ok || *v != "b" {
		t.Errorf("want b, true; got %v, %v", v, ok)
	}

	if _, ok := l.Get(3); ok {
		t.Errorf("want out-of-range Get to report false")
	}
}
