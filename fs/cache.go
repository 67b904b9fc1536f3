package fs

import (
	"sync"
	"sync/atomic"
)

// Keyed cache of refcounted objects with weak-reference semantics. An object
// is in memory at most once so that threads see each other's updates. An
// entry can only disappear when no thread holds a reference: removal marks
// the entry as a victim and unmaps it; a concurrent lookup that bumped the
// refcount must recheck the victim flag and retry. The garbage collector
// stands in for the safe-memory-reclamation epoch, so a victim entry stays
// readable until the last racing lookup has backed off.

type obj_i interface {
	// Evictnow reports whether the object may leave the cache once its
	// refcount reaches zero.
	Evictnow() bool
}

type objref_t struct {
	key    int
	obj    obj_i
	refcnt int64
	victim uint32
}

func (ref *objref_t) up() {
	if atomic.AddInt64(&ref.refcnt, 1) == 1 {
		panic("must already have ref")
	}
}

func (ref *objref_t) down() int64 {
	v := atomic.AddInt64(&ref.refcnt, -1)
	if v < 0 {
		panic("refcnt down")
	}
	return v
}

type weakcache_t struct {
	sync.Mutex
	cache  map[int]*objref_t
	nevict int
}

func mkWeakcache(size int) *weakcache_t {
	return &weakcache_t{cache: make(map[int]*objref_t, size)}
}

func (wc *weakcache_t) len() int {
	wc.Lock()
	defer wc.Unlock()
	return len(wc.cache)
}

// lookup returns a referenced entry for key, constructing the object with
// mkobj on a miss. Lookups that race an eviction observe the victim flag and
// restart.
func (wc *weakcache_t) lookup(key int, mkobj func(int) obj_i) (*objref_t, bool) {
	for {
		wc.Lock()
		ref, ok := wc.cache[key]
		if ok {
			atomic.AddInt64(&ref.refcnt, 1)
			if atomic.LoadUint32(&ref.victim) != 0 {
				// raced with a removal; drop the stale ref and retry
				atomic.AddInt64(&ref.refcnt, -1)
				wc.Unlock()
				continue
			}
			wc.Unlock()
			return ref, false
		}
		ref = &objref_t{key: key, refcnt: 1}
		ref.obj = mkobj(key)
		wc.cache[key] = ref
		wc.Unlock()
		return ref, true
	}
}

// refdown drops a reference and evicts the entry if it was the last one and
// the object agrees. Returns true if the entry was evicted.
func (wc *weakcache_t) refdown(ref *objref_t) bool {
	v := ref.down()
	if v != 0 || !ref.obj.Evictnow() {
		return false
	}
	wc.Lock()
	defer wc.Unlock()
	if atomic.LoadInt64(&ref.refcnt) != 0 {
		// resurrected by a concurrent lookup
		return false
	}
	if cur, ok := wc.cache[ref.key]; !ok || cur != ref {
		return false
	}
	atomic.StoreUint32(&ref.victim, 1)
	delete(wc.cache, ref.key)
	wc.nevict++
	return true
}

// remove evicts key if it is unreferenced. Used by the cache-eviction knob
// and by explicit drops of per-file blocks.
func (wc *weakcache_t) remove(key int) bool {
	wc.Lock()
	defer wc.Unlock()
	ref, ok := wc.cache[key]
	if !ok || atomic.LoadInt64(&ref.refcnt) != 0 {
		return false
	}
	atomic.StoreUint32(&ref.victim, 1)
	delete(wc.cache, ref.key)
	wc.nevict++
	return true
}

// evictClean drops every unreferenced entry, regardless of the object's
// eviction preference. This is the explicit under-pressure path.
func (wc *weakcache_t) evictClean() int {
	wc.Lock()
	defer wc.Unlock()
	did := 0
	for key, ref := range wc.cache {
		if atomic.LoadInt64(&ref.refcnt) != 0 {
			continue
		}
		atomic.StoreUint32(&ref.victim, 1)
		delete(wc.cache, key)
		wc.nevict++
		did++
	}
	return did
}
