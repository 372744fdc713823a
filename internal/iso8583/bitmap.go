package iso8583

// bitmapWords is the number of 64-bit words a bitmap may carry: primary,
// and a secondary if bit 1 of the primary is set (spec §6).
const bitmapWords = 2

// bitmapWidth is the wire width in bytes of one 64-bit bitmap word.
const bitmapWidth = 8

// computeBitmap derives the bit-set for a BITMAP descriptor from which of
// its controlled fields are present in m (spec §4.1 step 2). The returned
// value is 64 bits (primary only) or 128 bits (primary+secondary) packed
// big-endian, sized to the smallest word count that covers the highest set
// control bit, but never less than one word.
//
// Bit 1 of the primary word is reserved for the secondary-bitmap-present
// indicator (spec §6); controlled fields occupy bits 2 upward, so the i-th
// entry of desc.Controls maps to bit i+2, not i+1.
func computeBitmap(desc *FieldDescriptor, m *Message) []byte {
	words := 1
	for i, controlled := range desc.Controls {
		if m.Has(controlled) && i >= 63 {
			words = 2
			break
		}
	}
	bits := make([]byte, words*bitmapWidth)
	for i, controlled := range desc.Controls {
		if !m.Has(controlled) {
			continue
		}
		setBit(bits, i+2)
	}
	if words == 2 {
		setBit(bits, 1) // bit 1: "a secondary bitmap follows" (spec §6)
	}
	return bits
}

// setBit sets 1-based bit position pos (MSB of the first byte is bit 1).
func setBit(bits []byte, pos int) {
	idx := pos - 1
	byteIdx := idx / 8
	bitIdx := 7 - idx%8
	if byteIdx >= len(bits) {
		return
	}
	bits[byteIdx] |= 1 << uint(bitIdx)
}

// bitSet reports whether 1-based bit position pos is set in bits.
func bitSet(bits []byte, pos int) bool {
	idx := pos - 1
	byteIdx := idx / 8
	bitIdx := 7 - idx%8
	if byteIdx >= len(bits) {
		return false
	}
	return bits[byteIdx]&(1<<uint(bitIdx)) != 0
}

// presentControlled returns the controlled field IDs whose bit is set,
// in bitmap order — the order the assembler/decoder then processes them.
// Mirrors computeBitmap's i+2 mapping (bit 1 is the secondary indicator).
func presentControlled(desc *FieldDescriptor, bits []byte) []string {
	var out []string
	for i, id := range desc.Controls {
		if bitSet(bits, i+2) {
			out = append(out, id)
		}
	}
	return out
}

// hasSecondary reports whether bit 1 (the secondary-bitmap indicator) is set
// in a primary bitmap's first byte.
func hasSecondary(primary []byte) bool {
	return bitSet(primary, 1)
}
