package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNamespacing(t *testing.T) {
	require.Equal(t, "/videos/a.mp4:atom:moov", Key("/videos/a.mp4", KeyAtomMoov))
	require.Equal(t, "/videos/a.mp4:offsets", Key("/videos/a.mp4", KeyOffsets))
}

func TestDisabledCacheAlwaysMisses(t *testing.T) {
	c := New(0)
	assert.False(t, c.Enabled())

	c.Put("k", []byte("v"))
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.EqualValues(t, 1, c.Misses())
	assert.EqualValues(t, 0, c.Hits())
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New(1024)
	c.Put("a:atom:moov", []byte("moov-bytes"))

	v, ok := c.Get("a:atom:moov")
	require.True(t, ok)
	assert.Equal(t, "moov-bytes", string(v))
	assert.EqualValues(t, 1, c.Hits())

	_, ok = c.Get("a:atom:mdat")
	assert.False(t, ok)
	assert.EqualValues(t, 1, c.Misses())
}

func TestPutGroupIsAllOrNothingForReaders(t *testing.T) {
	c := New(1024)
	c.PutGroup(map[string][]byte{
		"a:atom:moov": []byte("moov"),
		"a:atom:mdat": []byte("mdat"),
	})

	moov, ok := c.Get("a:atom:moov")
	require.True(t, ok)
	assert.Equal(t, "moov", string(moov))

	mdat, ok := c.Get("a:atom:mdat")
	require.True(t, ok)
	assert.Equal(t, "mdat", string(mdat))
}

func TestEvictionRespectsByteBudget(t *testing.T) {
	c := New(16)
	c.Put("k1", make([]byte, 10))
	c.Put("k2", make([]byte, 10))

	assert.LessOrEqual(t, c.Used(), int64(16))
	assert.LessOrEqual(t, c.Items(), 2)
}

func TestEmptyValueIsNotStored(t *testing.T) {
	c := New(1024)
	c.Put("k", nil)
	_, ok := c.Get("k")
	assert.False(t, ok)
}
