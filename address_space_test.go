package ledgerwal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressSpaceWriteAtAndReadAtSinglePage(t *testing.T) {
	require := require.New(t)
	pages, err := newMmapPageManager(t.TempDir(), 4096, nil)
	require.NoError(err)
	defer pages.close()

	as := newAddressSpace(pages)
	data := []byte("hello write-ahead log")

	end, err := as.WriteAt(0, data)
	require.NoError(err)
	require.Equal(Address(len(data)), end)

	out, err := as.ReadAt(0, len(data))
	require.NoError(err)
	require.Equal(data, out)
}

func TestAddressSpaceWriteAtSpansPages(t *testing.T) {
	require := require.New(t)
	pages, err := newMmapPageManager(t.TempDir(), 64, nil)
	require.NoError(err)
	defer pages.close()

	as := newAddressSpace(pages)
	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}

	end, err := as.WriteAt(10, data)
	require.NoError(err)
	require.Equal(Address(210), end)

	out, err := as.ReadAt(10, len(data))
	require.NoError(err)
	require.Equal(data, out)
}

func TestAddressSpaceReadAtPastWrittenRangeFails(t *testing.T) {
	require := require.New(t)
	pages, err := newMmapPageManager(t.TempDir(), 64, nil)
	require.NoError(err)
	defer pages.close()

	as := newAddressSpace(pages)
	_, err = as.ReadAt(1000, 10)
	require.ErrorIs(err, ErrOutOfRange)
}

func TestAddressSpaceChunksExistingStopsAtUncreatedPage(t *testing.T) {
	require := require.New(t)
	pages, err := newMmapPageManager(t.TempDir(), 64, nil)
	require.NoError(err)
	defer pages.close()

	as := newAddressSpace(pages)
	_, err = as.WriteAt(0, []byte("short"))
	require.NoError(err)

	var chunks int
	for range as.ChunksExisting(0, 1000) {
		chunks++
	}
	require.Equal(1, chunks)
}
