package ledgerwal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmaskPoolTakeAndReturn(t *testing.T) {
	require := require.New(t)
	p := newBitmaskPool()

	slot, err := p.tryTake()
	require.NoError(err)
	require.Equal(0, slot)
	require.True(p.contains(0))
	require.Equal(1, p.count())

	p.returnSlot(slot)
	require.False(p.contains(0))
	require.Equal(0, p.count())
}

func TestBitmaskPoolExhaustion(t *testing.T) {
	require := require.New(t)
	p := newBitmaskPool()

	for i := 0; i < maxPoolSlots; i++ {
		_, err := p.tryTake()
		require.NoError(err)
	}

	_, err := p.tryTake()
	require.ErrorIs(err, errPoolExhausted)
}

func TestBitmaskPoolReturnAll(t *testing.T) {
	require := require.New(t)
	p := newBitmaskPool()

	for i := 0; i < 10; i++ {
		_, err := p.tryTake()
		require.NoError(err)
	}
	require.Equal(10, p.count())

	p.returnAll()
	require.Equal(0, p.count())
}

func TestBitmaskPoolTakesLowestFreeSlotFirst(t *testing.T) {
	require := require.New(t)
	p := newBitmaskPool()

	a, err := p.tryTake()
	require.NoError(err)
	b, err := p.tryTake()
	require.NoError(err)
	require.Equal(0, a)
	require.Equal(1, b)

	p.returnSlot(a)
	c, err := p.tryTake()
	require.NoError(err)
	require.Equal(0, c)
}
