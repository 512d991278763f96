package video

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opd-ai/streamcore/seqnum"
)

// refFrameRingSize is the number of recently delivered frames remembered
// for reference checking. Matches the reference distance range encodable in
// a slice header.
const refFrameRingSize = 16

// referenceRing remembers the most recently delivered frame indices. A
// P-frame whose reference is absent from the ring cannot be decoded
// cleanly.
type referenceRing struct {
	cache *lru.Cache[seqnum.Num16, struct{}]
}

func newReferenceRing() (*referenceRing, error) {
	cache, err := lru.New[seqnum.Num16, struct{}](refFrameRingSize)
	if err != nil {
		return nil, err
	}
	return &referenceRing{cache: cache}, nil
}

// Add records frame as delivered, evicting the oldest entry when full.
func (r *referenceRing) Add(frame seqnum.Num16) {
	r.cache.Add(frame, struct{}{})
}

// Contains reports whether frame is still within the remembered window.
func (r *referenceRing) Contains(frame seqnum.Num16) bool {
	return r.cache.Contains(frame)
}
