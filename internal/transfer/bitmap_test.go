package transfer

import "testing"

func TestBitmapBasics(t *testing.T) {
	b := NewBitmap(10)
	if b.Len() != 10 {
		t.Fatalf("Len mismatch: got %d", b.Len())
	}
	if !b.Set(0) || !b.Set(3) || !b.Set(9) {
		t.Fatalf("expected first Set to report an empty slot")
	}
	if b.Set(3) {
		t.Fatalf("expected second Set on slot 3 to report a duplicate")
	}
	if b.Set(10) || b.Set(-1) {
		t.Fatalf("expected out-of-range Set to be ignored")
	}

	if !b.Get(0) || !b.Get(3) || !b.Get(9) {
		t.Fatalf("expected bits to be set")
	}
	if b.Get(1) || b.Get(8) {
		t.Fatalf("unexpected bits set")
	}
	if count := b.CountSet(); count != 3 {
		t.Fatalf("CountSet mismatch: got %d", count)
	}
	if missing := b.FirstMissing(); missing != 1 {
		t.Fatalf("FirstMissing mismatch: got %d", missing)
	}
}

func TestBitmapFirstMissing(t *testing.T) {
	tests := []struct {
		name string
		bits int
		set  []int
		want int
	}{
		{name: "empty bitmap", bits: 0, want: -1},
		{name: "full byte boundary", bits: 8, set: []int{0, 1, 2, 3, 4, 5, 6, 7}, want: -1},
		{name: "second byte", bits: 12, set: []int{0, 1, 2, 3, 4, 5, 6, 7, 8}, want: 9},
		{name: "all filled partial byte", bits: 3, set: []int{0, 1, 2}, want: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBitmap(tt.bits)
			for _, i := range tt.set {
				b.Set(i)
			}
			if got := b.FirstMissing(); got != tt.want {
				t.Fatalf("FirstMissing() = %d, want %d", got, tt.want)
			}
		})
	}
}
