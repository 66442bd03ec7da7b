package log

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndex(t *testing.T) {
	f, err := os.CreateTemp("", "index_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	c := Config{}
	c.Segment.MaxIndexBytes = 1024
	idx, err := newIndex(f, c)
	require.NoError(t, err)
	_, _, err = idx.Read(-1)
	require.ErrorIs(t, err, ErrOffsetOutOfRange)
	require.Equal(t, f.Name(), idx.Name())

	entries := []struct {
		Off uint32
		Pos uint64
	}{
		{Off: 0, Pos: 0},
		{Off: 1, Pos: 10},
	}
	for _, want := range entries {
		require.NoError(t, idx.Write(want.Off, want.Pos))

		_, pos, err := idx.Read(int64(want.Off))
		require.NoError(t, err)
		require.Equal(t, want.Pos, pos)
	}

	// 读取超出已有索引项的下标时返回错误
	_, _, err = idx.Read(int64(len(entries)))
	require.ErrorIs(t, err, ErrOffsetOutOfRange)
	_, _, err = idx.Read(-2)
	require.ErrorIs(t, err, ErrOffsetOutOfRange)
	require.NoError(t, idx.Close())

	// 关闭时文件被截断为真实写入的大小
	require.Equal(t, int64(len(entries)*entWidth), fileSize(t, f.Name()))

	// 重新打开时根据已有的文件恢复状态
	f, err = os.OpenFile(f.Name(), os.O_RDWR, 0600)
	require.NoError(t, err)
	idx, err = newIndex(f, c)
	require.NoError(t, err)
	defer idx.Close()
	off, pos, err := idx.Read(-1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), off)
	require.Equal(t, entries[1].Pos, pos)
}

func TestIndexFull(t *testing.T) {
	f, err := os.CreateTemp("", "index_full_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	c := Config{}
	c.Segment.MaxIndexBytes = 2 * entWidth
	idx, err := newIndex(f, c)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Write(0, 0))
	require.NoError(t, idx.Write(1, 19))
	require.False(t, idx.HasSpace())
	require.ErrorIs(t, idx.Write(2, 38), errIndexFull)
	require.Equal(t, uint64(2), idx.entries())
}

func TestIndexIgnoresPartialEntry(t *testing.T) {
	f, err := os.CreateTemp("", "index_partial_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	entry := make([]byte, entWidth+5)
	enc.PutUint32(entry[:offWidth], 0)
	enc.PutUint64(entry[offWidth:entWidth], 0)
	_, err = f.Write(entry)
	require.NoError(t, err)

	c := Config{}
	c.Segment.MaxIndexBytes = 1024
	idx, err := newIndex(f, c)
	require.NoError(t, err)
	defer idx.Close()
	require.Equal(t, uint64(1), idx.entries())
}

func TestIndexResetGrows(t *testing.T) {
	f, err := os.CreateTemp("", "index_reset_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	c := Config{}
	c.Segment.MaxIndexBytes = entWidth
	idx, err := newIndex(f, c)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Write(0, 0))
	require.NoError(t, idx.reset(4))
	require.Equal(t, uint64(0), idx.entries())
	require.Equal(t, 4*entWidth, len(idx.mmap))
	for i := uint32(0); i < 4; i++ {
		require.NoError(t, idx.Write(i, uint64(i)*width))
	}
	off, pos, err := idx.Read(-1)
	require.NoError(t, err)
	require.Equal(t, uint32(3), off)
	require.Equal(t, 3*width, pos)
}
