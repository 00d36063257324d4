package outqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/windmill/streamworker/internal/work"
)

func TestPopOnEmptyQueue(t *testing.T) {
	q := New()
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestPushPopIsFIFO(t *testing.T) {
	q := New()
	q.Push(work.CommitRequest{Key: []byte("a")})
	q.Push(work.CommitRequest{Key: []byte("b")})

	first, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, []byte("a"), first.Key)

	second, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, []byte("b"), second.Key)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestLen(t *testing.T) {
	q := New()
	assert.Equal(t, 0, q.Len())
	q.Push(work.CommitRequest{})
	q.Push(work.CommitRequest{})
	assert.Equal(t, 2, q.Len())
	q.Pop()
	assert.Equal(t, 1, q.Len())
}

func TestConcurrentPushPop(t *testing.T) {
	q := New()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Push(work.CommitRequest{Token: int64(i)})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, q.Len())

	seen := 0
	for {
		_, ok := q.Pop()
		if !ok {
			break
		}
		seen++
	}
	assert.Equal(t, 20, seen)
}
