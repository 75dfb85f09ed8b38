package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRawBuffer_WriteAndConsume(t *testing.T) {
	b := NewRawBuffer(16)

	assert.Equal(t, 0, b.Write([]byte("hello")))
	assert.Equal(t, 0, b.Write([]byte(" world")))
	assert.Equal(t, "hello world", string(b.Bytes()))
	assert.Equal(t, 11, b.Len())

	b.Consume(6)
	assert.Equal(t, "world", string(b.Bytes()))

	b.Consume(5)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, "", string(b.Bytes()))
}

func TestRawBuffer_CompactsBeforeDropping(t *testing.T) {
	b := NewRawBuffer(10)

	b.Write([]byte("abcdefgh"))
	b.Consume(6)

	dropped := b.Write([]byte("12345"))
	assert.Equal(t, 0, dropped)
	assert.Equal(t, "gh12345", string(b.Bytes()))
}

func TestRawBuffer_DropsOldestWhenFull(t *testing.T) {
	b := NewRawBuffer(8)

	b.Write([]byte("abcdef"))
	dropped := b.Write([]byte("1234"))

	assert.Equal(t, 2, dropped)
	assert.Equal(t, "cdef1234", string(b.Bytes()))
	assert.Equal(t, len(b.data), b.Len())
}

func TestRawBuffer_WriteLargerThanCapacity(t *testing.T) {
	b := NewRawBuffer(4)

	b.Write([]byte("xy"))
	dropped := b.Write([]byte("abcdefg"))

	assert.Equal(t, 5, dropped)
	assert.Equal(t, "defg", string(b.Bytes()))
}

func TestRawBuffer_Reset(t *testing.T) {
	b := NewRawBuffer(4)
	b.Write([]byte("abc"))
	b.Reset()

	assert.Equal(t, 0, b.Len())
	b.Consume(3)
	assert.Equal(t, 0, b.Len())
}
