package heap

import (
	"fmt"
	"sync/atomic"
)

const (
	// CardShift gives 128-byte cards.
	CardShift = 7
	CardSize  = 1 << CardShift

	CardClean byte = 0x00
	CardDirty byte = 0x70
)

// CardTable records which cards of a space the mutator has stored a
// reference into. Cards are bytes packed four to a word so they can be
// updated atomically from either process.
type CardTable struct {
	words []uint32
	cards uint64
}

// CardWords returns the number of 32-bit words needed for a space of size
// bytes.
func CardWords(size uint64) int {
	cards := (size + CardSize - 1) >> CardShift
	return int((cards + 3) / 4)
}

func NewCardTable(words []uint32, size uint64) (*CardTable, error) {
	if need := CardWords(size); len(words) < need {
		return nil, fmt.Errorf("card table: %d words cannot cover %d bytes, need %d", len(words), size, need)
	}
	return &CardTable{words: words, cards: (size + CardSize - 1) >> CardShift}, nil
}

func (c *CardTable) locate(off uint64) (*uint32, uint32) {
	card := off >> CardShift
	return &c.words[card/4], (uint32(card) % 4) * 8
}

// Mark dirties the card holding off. Called by the mutator's write barrier.
func (c *CardTable) Mark(off uint64) {
	w, shift := c.locate(off)
	atomic.OrUint32(w, uint32(CardDirty)<<shift)
}

func (c *CardTable) IsDirty(off uint64) bool {
	w, shift := c.locate(off)
	return byte(atomic.LoadUint32(w)>>shift) == CardDirty
}

func (c *CardTable) Clear(off uint64) {
	w, shift := c.locate(off)
	atomic.AndUint32(w, ^(uint32(0xff) << shift))
}

func (c *CardTable) ClearAll() {
	for i := range c.words {
		atomic.StoreUint32(&c.words[i], 0)
	}
}

// DirtyCount returns the number of dirty cards.
func (c *CardTable) DirtyCount() int {
	n := 0
	for card := uint64(0); card < c.cards; card++ {
		if c.IsDirty(card << CardShift) {
			n++
		}
	}
	return n
}

// ScanDirty calls fn with the byte range of every dirty card in [begin, end).
// When clear is set each card is cleaned before fn sees it, so a store racing
// with the scan dirties it again.
func (c *CardTable) ScanDirty(begin, end uint64, clearCards bool, fn func(cardBegin, cardEnd uint64) error) error {
	for card := begin >> CardShift; card < c.cards && card<<CardShift < end; card++ {
		off := card << CardShift
		if !c.IsDirty(off) {
			continue
		}
		if clearCards {
			c.Clear(off)
		}
		if err := fn(off, off+CardSize); err != nil {
			return err
		}
	}
	return nil
}
