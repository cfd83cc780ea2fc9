package knowledge

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// keyLocks serializes writes and tier moves per key. Keys hash onto a fixed
// set of stripes, so two keys may share a lock but one key always maps to
// the same one.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLocks) get(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.stripes[h.Sum32()%lockStripes]
}
