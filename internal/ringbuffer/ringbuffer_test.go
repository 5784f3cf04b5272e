package ringbuffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferDiscardsNewest(t *testing.T) {
	r := New(4)

	n := r.Write([]byte{1, 2, 3})
	assert.Equal(t, 3, n)
	n = r.Write([]byte{4, 5, 6})
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(2), r.Discarded())
	assert.Equal(t, 4, r.Buffered())

	out := make([]byte, 8)
	n = r.Read(out)
	require.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, out[:n])
	assert.Equal(t, 0, r.Buffered())
}

func TestRingBufferWrapAround(t *testing.T) {
	r := New(5)
	out := make([]byte, 5)

	r.Write([]byte{1, 2, 3})
	require.Equal(t, 2, r.Read(out[:2]))
	r.Write([]byte{4, 5, 6, 7})

	n := r.Read(out)
	require.Equal(t, 5, n)
	assert.Equal(t, []byte{3, 4, 5, 6, 7}, out)
}

func TestRingBufferWriteAligned(t *testing.T) {
	r := New(7)

	n := r.WriteAligned([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 4)
	assert.Equal(t, 4, n, "only one whole block fits in the free space")
	assert.Equal(t, int64(4), r.Discarded())

	n = r.WriteAligned([]byte{9, 10, 11}, 4)
	assert.Equal(t, 0, n, "partial blocks are never stored")
}

func TestRingBufferReset(t *testing.T) {
	r := New(4)
	r.Write([]byte{1, 2})
	r.Reset()
	assert.Equal(t, 0, r.Buffered())
	assert.Equal(t, 0, r.Read(make([]byte, 4)))
}

func TestRingBufferConcurrentProducerConsumer(t *testing.T) {
	r := New(64)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		chunk := make([]byte, 16)
		for range 1000 {
			r.Write(chunk)
		}
	}()

	var total int
	go func() {
		defer wg.Done()
		out := make([]byte, 8)
		for range 4000 {
			total += r.Read(out)
		}
	}()

	wg.Wait()
	assert.LessOrEqual(t, r.Buffered(), r.Capacity())
	assert.Equal(t, int64(16000), int64(total)+int64(r.Buffered())+r.Discarded())
}
