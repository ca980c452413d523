package feature

// priceRing is a fixed-capacity ring buffer of minute-close samples. Unlike
// a slice that grows and gets truncated, push/evict are both O(1): the
// buffer never reallocates after construction.
type priceRing struct {
	closes    [ringCapacity]float64
	timestamps [ringCapacity]int64
	start     int
	size      int
}

const ringCapacity = 32

func newPriceRing() *priceRing {
	return &priceRing{}
}

// push appends a sample, evicting the oldest once the ring is at capacity.
func (r *priceRing) push(timestamp int64, price float64) {
	idx := (r.start + r.size) % ringCapacity
	if r.size < ringCapacity {
		r.size++
	} else {
		r.start = (r.start + 1) % ringCapacity
		idx = (r.start + r.size - 1) % ringCapacity
	}
	r.closes[idx] = price
	r.timestamps[idx] = timestamp
}

// len reports how many samples are currently held.
func (r *priceRing) len() int {
	return r.size
}

// at returns the sample offsetFromEnd slots behind the most recent push; 0
// is the most recent. ok is false if the ring does not hold that many
// samples yet.
func (r *priceRing) at(offsetFromEnd int) (price float64, ok bool) {
	if offsetFromEnd < 0 || offsetFromEnd >= r.size {
		return 0, false
	}
	idx := (r.start + r.size - 1 - offsetFromEnd + ringCapacity) % ringCapacity
	return r.closes[idx], true
}
