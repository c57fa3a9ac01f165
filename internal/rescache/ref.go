package rescache

import "code.hybscloud.com/atomix"

// Ref is a shared handle to a cached value. The owning cache holds one
// reference; every Get adds another that the caller must Release.
type Ref[T any] struct {
	value T
	refs  atomix.Int32
}

func newRef[T any](v T) *Ref[T] {
	r := &Ref[T]{value: v}
	r.refs.Store(1)
	return r
}

func (r *Ref[T]) Value() T { return r.value }

func (r *Ref[T]) Retain() *Ref[T] {
	r.refs.Add(1)
	return r
}

// Release drops one reference. Extra releases are ignored.
func (r *Ref[T]) Release() {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return
		}
		if r.refs.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// Count is the number of live references, including the cache's own.
func (r *Ref[T]) Count() int32 { return r.refs.Load() }
