package watcher

import (
	"bytes"
	"sort"

	"github.com/chainpoint/chainpoint-txwatch/types"
)

// PendingDigestSet : digests a watch is still waiting to observe
type PendingDigestSet struct {
	digests map[types.Digest]struct{}
}

// NewPendingDigestSet collapses duplicates in ids
func NewPendingDigestSet(ids ...types.Digest) *PendingDigestSet {
	p := &PendingDigestSet{digests: make(map[types.Digest]struct{}, len(ids))}
	for _, id := range ids {
		p.digests[id] = struct{}{}
	}
	return p
}

// Observe removes id and reports whether it was still pending
func (p *PendingDigestSet) Observe(id types.Digest) bool {
	if _, ok := p.digests[id]; !ok {
		return false
	}
	delete(p.digests, id)
	return true
}

func (p *PendingDigestSet) IsEmpty() bool {
	return len(p.digests) == 0
}

func (p *PendingDigestSet) Len() int {
	return len(p.digests)
}

// Remaining lists the pending digests in byte order
func (p *PendingDigestSet) Remaining() []types.Digest {
	out := make([]types.Digest, 0, len(p.digests))
	for d := range p.digests {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
