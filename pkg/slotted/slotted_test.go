package slotted

import (
	"bytes"
	"testing"

	"github.com/antonellof/docstore/pkg/storage"
)

func newTestPage(t *testing.T, pageSize int) *Page {
	t.Helper()
	buf := make([]byte, pageSize)
	return New(buf, 7, storage.PageTypeData)
}

func TestPage_InsertRead(t *testing.T) {
	p := newTestPage(t, 4096)

	idx, err := p.Insert([]byte("hello world"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if idx != 0 {
		t.Fatalf("expected slot 0, got %d", idx)
	}

	got, err := p.Read(idx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("read mismatch: got %q", got)
	}
	if p.SlotCount() != 1 {
		t.Fatalf("expected 1 slot, got %d", p.SlotCount())
	}
}

func TestPage_MultipleInsertsDistinctSlots(t *testing.T) {
	p := newTestPage(t, 4096)

	payloads := [][]byte{[]byte("alpha"), []byte("bravo"), []byte("charlie document")}
	var slots []int
	for _, data := range payloads {
		idx, err := p.Insert(data)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		slots = append(slots, idx)
	}

	for i, idx := range slots {
		got, err := p.Read(idx)
		if err != nil {
			t.Fatalf("read slot %d: %v", idx, err)
		}
		if !bytes.Equal(got, payloads[i]) {
			t.Fatalf("slot %d mismatch: got %q want %q", idx, got, payloads[i])
		}
	}
}

func TestPage_MarkDeletedThenReinsertReusesSlot(t *testing.T) {
	p := newTestPage(t, 4096)

	idx0, _ := p.Insert([]byte("first"))
	idx1, _ := p.Insert([]byte("second"))

	if err := p.MarkDeleted(idx0); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}
	if _, err := p.Read(idx0); err == nil {
		t.Fatal("expected error reading deleted slot")
	}

	idx2, err := p.Insert([]byte("third"))
	if err != nil {
		t.Fatalf("insert after delete: %v", err)
	}
	if idx2 != idx0 {
		t.Fatalf("expected reuse of deleted slot %d, got %d", idx0, idx2)
	}

	got, err := p.Read(idx1)
	if err != nil || !bytes.Equal(got, []byte("second")) {
		t.Fatalf("unrelated slot disturbed: %v %q", err, got)
	}
}

func TestPage_UpdateInPlace(t *testing.T) {
	p := newTestPage(t, 4096)
	idx, _ := p.Insert([]byte("0123456789"))

	if err := p.UpdateInPlace(idx, []byte("abc")); err != nil {
		t.Fatalf("update in place: %v", err)
	}
	got, err := p.Read(idx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte("abc")) {
		t.Fatalf("got %q, want abc", got)
	}

	if err := p.UpdateInPlace(idx, []byte("this is far too long")); err == nil {
		t.Fatal("expected error updating with oversized payload")
	}
}

func TestPage_InsertFailsWhenFull(t *testing.T) {
	p := newTestPage(t, HeaderSize+SlotSize+8)

	if _, err := p.Insert(make([]byte, 8)); err != nil {
		t.Fatalf("first insert should fit: %v", err)
	}
	if _, err := p.Insert([]byte("x")); err == nil {
		t.Fatal("expected insufficient free space error")
	}
}

func TestPage_OverflowChainLinkage(t *testing.T) {
	p := newTestPage(t, 4096)
	if p.NextOverflowPage() != 0 {
		t.Fatalf("expected no overflow page initially")
	}
	p.SetNextOverflowPage(42)
	if p.NextOverflowPage() != 42 {
		t.Fatalf("expected overflow page 42, got %d", p.NextOverflowPage())
	}

	idx, _ := p.Insert([]byte("oversized document head"))
	if err := p.SetOverflowFlag(idx); err != nil {
		t.Fatalf("set overflow flag: %v", err)
	}
	slot, err := p.Slot(idx)
	if err != nil {
		t.Fatalf("slot: %v", err)
	}
	if slot.Flags != SlotHasOverflow {
		t.Fatalf("expected HasOverflow flag, got %v", slot.Flags)
	}
	if err := p.UpdateInPlace(idx, []byte("short")); err == nil {
		t.Fatal("expected error updating an overflow-chained slot in place")
	}
}

func TestPage_LoadRoundTrip(t *testing.T) {
	p := newTestPage(t, 4096)
	idx, _ := p.Insert([]byte("payload"))

	reloaded := Load(p.Bytes())
	got, err := reloaded.Read(idx)
	if err != nil {
		t.Fatalf("read after reload: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("got %q after reload", got)
	}
	if reloaded.PageID() != 7 {
		t.Fatalf("expected page id 7, got %d", reloaded.PageID())
	}
}
