package transfer

// Bitmap is a compact bitset tracking which chunk slots are filled.
type Bitmap struct {
	bits int
	data []byte
}

// NewBitmap allocates a bitmap sized for the given number of slots.
func NewBitmap(bits int) *Bitmap {
	if bits < 0 {
		bits = 0
	}
	return &Bitmap{
		bits: bits,
		data: make([]byte, (bits+7)/8),
	}
}

// Len returns the number of slots.
func (b *Bitmap) Len() int {
	if b == nil {
		return 0
	}
	return b.bits
}

// Set marks slot i and reports whether it was previously empty.
// Out-of-range indices are ignored.
func (b *Bitmap) Set(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	mask := byte(1) << uint(i%8)
	if b.data[i/8]&mask != 0 {
		return false
	}
	b.data[i/8] |= mask
	return true
}

// Get reports whether slot i is filled.
func (b *Bitmap) Get(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	return b.data[i/8]&(byte(1)<<uint(i%8)) != 0
}

// CountSet returns the number of filled slots.
func (b *Bitmap) CountSet() int {
	if b == nil {
		return 0
	}
	count := 0
	for _, v := range b.data {
		for v != 0 {
			v &= v - 1
			count++
		}
	}
	return count
}

// FirstMissing returns the lowest empty slot, or -1 when all are filled.
func (b *Bitmap) FirstMissing() int {
	if b == nil {
		return -1
	}
	for i, v := range b.data {
		if v == 0xFF {
			continue
		}
		for j := 0; j < 8; j++ {
			idx := i*8 + j
			if idx >= b.bits {
				return -1
			}
			if v&(byte(1)<<uint(j)) == 0 {
				return idx
			}
		}
	}
	return -1
}
