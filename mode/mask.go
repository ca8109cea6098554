package mode

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// Mask is a set of mode indices, used to track which modes a stage computed
// and which it marked failed. It is safe for concurrent use.
type Mask struct {
	mu sync.RWMutex
	bm *roaring.Bitmap
}

// NewMask returns an empty mask.
func NewMask() *Mask {
	return &Mask{bm: roaring.New()}
}

// Add inserts mode m.
func (k *Mask) Add(m int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.bm.Add(uint32(m))
}

// Contains reports whether mode m is in the mask.
func (k *Mask) Contains(m int) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.bm.Contains(uint32(m))
}

// Len returns the number of modes in the mask.
func (k *Mask) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return int(k.bm.GetCardinality())
}

// Modes returns the member modes in ascending order.
func (k *Mask) Modes() []int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	arr := k.bm.ToArray()
	out := make([]int, len(arr))
	for i, v := range arr {
		out[i] = int(v)
	}
	return out
}

// Union merges other into k.
func (k *Mask) Union(other *Mask) {
	other.mu.RLock()
	o := other.bm.Clone()
	other.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	k.bm.Or(o)
}

// MarshalBinary serializes the mask for persistence in an artifact attribute.
func (k *Mask) MarshalBinary() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var buf bytes.Buffer
	if _, err := k.bm.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("mode: serialize mask: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores a mask serialized by MarshalBinary.
func (k *Mask) UnmarshalBinary(data []byte) error {
	bm := roaring.New()
	if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("mode: deserialize mask: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.bm = bm
	return nil
}
