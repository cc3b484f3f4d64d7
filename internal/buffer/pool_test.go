package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLengthAndCapacity(t *testing.T) {
	buf := Get(100)
	assert.Len(t, buf, 100)
	assert.Equal(t, 16*1024, cap(buf))
	Put(buf)

	buf = Get(16 * 1024)
	assert.Len(t, buf, 16*1024)
	assert.Equal(t, 16*1024, cap(buf))
	Put(buf)
}

func TestGetOversizedAllocatesExactly(t *testing.T) {
	n := 3 << 20
	buf := Get(n)
	assert.Len(t, buf, n)
	Put(buf) // no bucket match, dropped
}

func TestReuseAfterPut(t *testing.T) {
	a := Get(8)
	copy(a, "AAAAAAAA")
	Put(a)
	b := Get(4)
	assert.Len(t, b, 4)
	Put(b)
}
