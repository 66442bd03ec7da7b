package log

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	write = []byte("hello world")
	width = uint64(len(write)) + lenWidth
)

func TestStoreAppendRead(t *testing.T) {
	f, err := os.CreateTemp("", "store_append_read_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	s, err := newStore(f)
	require.NoError(t, err)

	testAppend(t, s)
	testRead(t, s)
	testReadAt(t, s)
	require.NoError(t, s.Close())

	// 重新打开后可以读到之前写入的记录
	f, err = os.OpenFile(f.Name(), os.O_RDWR|os.O_APPEND, 0644)
	require.NoError(t, err)
	s, err = newStore(f)
	require.NoError(t, err)
	require.Equal(t, width*3, s.size)
	testRead(t, s)
	require.NoError(t, s.Close())
}

func testAppend(t *testing.T, s *store) {
	t.Helper()
	for i := uint64(1); i < 4; i++ {
		n, pos, err := s.Append(write)
		require.NoError(t, err)
		require.Equal(t, width, n)
		require.Equal(t, width*i, pos+n)
	}
}

func testRead(t *testing.T, s *store) {
	t.Helper()
	var pos uint64
	for i := uint64(1); i < 4; i++ {
		read, err := s.Read(pos)
		require.NoError(t, err)
		require.Equal(t, write, read)
		pos += width
	}
}

func testReadAt(t *testing.T, s *store) {
	t.Helper()
	for i, off := uint64(1), int64(0); i < 4; i++ {
		b := make([]byte, lenWidth)
		n, err := s.ReadAt(b, off)
		require.NoError(t, err)
		require.Equal(t, lenWidth, n)
		off += int64(n)

		size := enc.Uint64(b)
		b = make([]byte, size)
		n, err = s.ReadAt(b, off)
		require.NoError(t, err)
		require.Equal(t, write, b)
		require.Equal(t, int(size), n)
		off += int64(n)
	}
}

func TestStoreClose(t *testing.T) {
	f, err := os.CreateTemp("", "store_close_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	s, err := newStore(f)
	require.NoError(t, err)
	_, _, err = s.Append(write)
	require.NoError(t, err)

	// 记录还在缓冲区中
	beforeSize := fileSize(t, f.Name())
	require.NoError(t, s.Close())
	afterSize := fileSize(t, f.Name())

	require.Equal(t, int64(0), beforeSize)
	require.Equal(t, int64(width), afterSize)
}

func TestStoreFlush(t *testing.T) {
	f, err := os.CreateTemp("", "store_flush_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	s, err := newStore(f)
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.Append(write)
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.Equal(t, int64(width), fileSize(t, f.Name()))

	_, _, err = s.Append(write)
	require.NoError(t, err)
	require.NoError(t, s.Sync())
	require.Equal(t, int64(2*width), fileSize(t, f.Name()))
}

func TestStoreReadCorruptFrame(t *testing.T) {
	testcases := map[string][]byte{
		"truncated length prefix": {0, 0, 0},
		"truncated payload":       {0, 0, 0, 0, 0, 0, 0, 10, 'a', 'b'},
		"huge length prefix":      {0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 'a'},
	}
	for scenario, content := range testcases {
		t.Run(scenario, func(t *testing.T) {
			f, err := os.CreateTemp("", "store_corrupt_test")
			require.NoError(t, err)
			defer os.Remove(f.Name())
			_, err = f.Write(content)
			require.NoError(t, err)

			s, err := newStore(f)
			require.NoError(t, err)
			defer s.Close()

			_, err = s.Read(0)
			require.ErrorIs(t, err, ErrCorruptFrame)
		})
	}
}

func TestStoreScan(t *testing.T) {
	f, err := os.CreateTemp("", "store_scan_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	s, err := newStore(f)
	require.NoError(t, err)
	testAppend(t, s)
	require.NoError(t, s.Close())

	// 模拟写入一半时崩溃：长度是完整的但是内容只写入了一部分
	f, err = os.OpenFile(f.Name(), os.O_RDWR|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 100, 'x', 'y'})
	require.NoError(t, err)

	s, err = newStore(f)
	require.NoError(t, err)
	defer s.Close()

	positions, end, err := s.scan()
	require.NoError(t, err)
	require.Equal(t, []uint64{0, width, 2 * width}, positions)
	require.Equal(t, 3*width, end)

	require.NoError(t, s.truncate(end))
	require.Equal(t, int64(3*width), fileSize(t, f.Name()))

	// 截断之后可以继续追加
	_, pos, err := s.Append(write)
	require.NoError(t, err)
	require.Equal(t, 3*width, pos)
	read, err := s.Read(pos)
	require.NoError(t, err)
	require.Equal(t, write, read)
}

func fileSize(t *testing.T, name string) int64 {
	t.Helper()
	fi, err := os.Stat(name)
	require.NoError(t, err)
	return fi.Size()
}
