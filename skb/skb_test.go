package skb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushWritesAtTail(t *testing.T) {
	s := New(64)
	b, err := s.Push(5)
	require.NoError(t, err)
	copy(b, "hello")
	assert.Equal(t, 5, s.Len())
	assert.Equal(t, "hello", string(s.Bytes()))
}

func TestPushBeyondEndFails(t *testing.T) {
	s := New(4)
	_, err := s.Push(5)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestReserveGrowsHeadroomForPrependedHeader(t *testing.T) {
	s := New(64)
	_, err := s.Push(10)
	require.NoError(t, err)
	s.data = 10 // simulate payload already at offset 10
	require.NoError(t, s.Reserve(10))
	assert.Equal(t, 0, s.data)
}

func TestReserveBelowHeadFails(t *testing.T) {
	s := New(64)
	assert.ErrorIs(t, s.Reserve(1), ErrOutOfRange)
}

func TestRefcountPutReleasesToPool(t *testing.T) {
	pool := NewPool(32)
	s := pool.Get()
	assert.Equal(t, 1, s.Refcount())
	s.Ref()
	assert.Equal(t, 2, s.Refcount())
	s.Put()
	assert.Equal(t, 1, s.Refcount())
	s.Put()
	assert.Equal(t, 0, s.Refcount())
}

func TestResetClearsFields(t *testing.T) {
	s := New(16)
	s.Sqn = 42
	_, err := s.Push(4)
	require.NoError(t, err)
	s.Reset()
	assert.Equal(t, uint32(0), s.Sqn)
	assert.Equal(t, 0, s.Len())
}
