package kafka

import (
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// versionDedupe remembers which collection versions were already marked
// edited, so a redelivered change event is not applied twice.
type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, struct{}]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, struct{}](size)
	return &versionDedupe{lru: c}
}

// firstSeen records collection at version v and reports whether it was new.
func (d *versionDedupe) firstSeen(collection string, v uint64) bool {
	k := collection + "\x00" + strconv.FormatUint(v, 10)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lru.Contains(k) {
		return false
	}
	d.lru.Add(k, struct{}{})
	return true
}
