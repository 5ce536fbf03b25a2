package memory

import (
	"testing"

	"segmem/pkg/common"
)

func TestFramePoolLIFO(t *testing.T) {
	fp := NewFramePool(4)
	if fp.Free() != 4 {
		t.Fatalf("free: got %d, want 4", fp.Free())
	}

	f, ok := fp.Allocate()
	if !ok || f != 3 {
		t.Fatalf("first allocate: got %d ok=%v, want 3", f, ok)
	}
	g, _ := fp.Allocate()
	if g != 2 {
		t.Fatalf("second allocate: got %d, want 2", g)
	}

	fp.Release(f)
	h, _ := fp.Allocate()
	if h != f {
		t.Fatalf("expected most recently released frame %d, got %d", f, h)
	}
}

func TestFramePoolExhausted(t *testing.T) {
	fp := NewFramePool(1)
	if _, ok := fp.Allocate(); !ok {
		t.Fatal("expected one frame")
	}
	f, ok := fp.Allocate()
	if ok || f != common.InvalidFrame {
		t.Fatalf("expected empty pool, got %d ok=%v", f, ok)
	}
}

func TestFramePoolDoubleReleasePanics(t *testing.T) {
	fp := NewFramePool(2)
	f, _ := fp.Allocate()
	fp.Release(f)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release")
		}
	}()
	fp.Release(f)
}

func TestFramePoolReleaseUnknownPanics(t *testing.T) {
	fp := NewFramePool(2)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unknown frame")
		}
	}()
	fp.Release(7)
}

func TestPageTableBounds(t *testing.T) {
	pt := NewPageTable(3)
	if pt.Len() != 3 {
		t.Fatalf("len: got %d", pt.Len())
	}
	for i := 0; i < 3; i++ {
		e, ok := pt.Lookup(common.PageNumber(i))
		if !ok || e.Present {
			t.Fatalf("page %d: expected absent entry, got %+v ok=%v", i, e, ok)
		}
	}
	if _, ok := pt.Entry(3); ok {
		t.Fatal("expected out-of-range entry")
	}

	e, _ := pt.Entry(1)
	e.Present = true
	e.Frame = 9
	if got, _ := pt.Lookup(1); !got.Present || got.Frame != 9 {
		t.Fatalf("mutation not visible: %+v", got)
	}
	if pt.PresentCount() != 1 {
		t.Fatalf("present count: got %d", pt.PresentCount())
	}
}
