package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r := New()

	isNew := r.Register(Descriptor{ID: "comp-a", Raw: []byte("v1")})
	assert.True(t, isNew)

	isNew = r.Register(Descriptor{ID: "comp-a", Raw: []byte("v2")})
	assert.False(t, isNew, "re-registering a known computation should report isNew=false")

	d, ok := r.Lookup("comp-a")
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), d.Raw, "first registration wins, a later one is a no-op")
}

func TestRegisterCreatesQueueAndCacheAtomically(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "comp-a"})

	_, hasDesc := r.Lookup("comp-a")
	_, hasQueue := r.Queue("comp-a")
	_, hasCache := r.Cache("comp-a")

	assert.True(t, hasDesc)
	assert.True(t, hasQueue)
	assert.True(t, hasCache)
}

func TestLookupUnknownComputation(t *testing.T) {
	r := New()
	_, ok := r.Lookup("missing")
	assert.False(t, ok)
	_, ok = r.Queue("missing")
	assert.False(t, ok)
	_, ok = r.Cache("missing")
	assert.False(t, ok)
}

func TestIDsPreservesRegistrationOrder(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "c"})
	r.Register(Descriptor{ID: "a"})
	r.Register(Descriptor{ID: "b"})

	assert.Equal(t, []string{"c", "a", "b"}, r.IDs())
}

func TestConcurrentRegister(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Register(Descriptor{ID: "shared"})
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.IDs(), 1)
}
