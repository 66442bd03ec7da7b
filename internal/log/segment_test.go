package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegment(t *testing.T) {
	dir, err := os.MkdirTemp("", "segment_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	c := Config{}
	c.Segment.MaxStoreBytes = 1024
	c.Segment.MaxIndexBytes = entWidth * 3

	s, err := newSegment(dir, 16, c)
	require.NoError(t, err)
	require.Equal(t, uint64(16), s.nextOffset)
	require.False(t, s.IsMaxed())
	require.Equal(t, filepath.Join(dir, "00000000000000000016.store"), s.store.Name())
	require.Equal(t, filepath.Join(dir, "00000000000000000016.index"), s.index.Name())

	for i := uint64(0); i < 3; i++ {
		off, err := s.Append(write)
		require.NoError(t, err)
		require.Equal(t, 16+i, off)

		got, err := s.Read(off)
		require.NoError(t, err)
		require.Equal(t, write, got)
	}

	// 索引已满时不会向存储中写入任何内容
	sizeBefore := s.store.size
	_, err = s.Append(write)
	require.ErrorIs(t, err, errIndexFull)
	require.Equal(t, sizeBefore, s.store.size)
	require.True(t, s.IsMaxed())

	_, err = s.Read(15)
	require.ErrorIs(t, err, ErrOffsetOutOfRange)
	_, err = s.Read(19)
	require.ErrorIs(t, err, ErrOffsetOutOfRange)
	require.NoError(t, s.Close())

	// 根据已有的文件重建 segment，此时存储文件已满
	c.Segment.MaxStoreBytes = uint64(len(write) * 3)
	c.Segment.MaxIndexBytes = 1024
	s, err = newSegment(dir, 16, c)
	require.NoError(t, err)
	require.Equal(t, uint64(19), s.nextOffset)
	require.True(t, s.IsMaxed())

	require.NoError(t, s.Remove())
	_, err = os.Stat(filepath.Join(dir, "00000000000000000016.store"))
	require.True(t, os.IsNotExist(err))

	s, err = newSegment(dir, 16, c)
	require.NoError(t, err)
	require.False(t, s.IsMaxed())
	require.Equal(t, uint64(16), s.nextOffset)
	require.NoError(t, s.Close())
}

func TestSegmentRecover(t *testing.T) {
	testcases := map[string]func(t *testing.T, dir string, c Config){
		"store has records missing from index": testRecoverUnindexedRecord,
		"index points past end of store":       testRecoverIndexAheadOfStore,
		"trailing partial frame is discarded":  testRecoverPartialFrame,
		"index left padded after crash":        testRecoverPaddedIndex,
	}
	for scenario, fn := range testcases {
		t.Run(scenario, func(t *testing.T) {
			dir, err := os.MkdirTemp("", "segment_recover_test")
			require.NoError(t, err)
			defer os.RemoveAll(dir)

			c := Config{}
			c.Segment.MaxStoreBytes = 1024
			c.Segment.MaxIndexBytes = 1024
			fn(t, dir, c)
		})
	}
}

// 向 segment 写入两条记录后正常关闭
func setupSegment(t *testing.T, dir string, c Config) *segment {
	t.Helper()
	s, err := newSegment(dir, 0, c)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := s.Append(write)
		require.NoError(t, err)
	}
	return s
}

func appendToFile(t *testing.T, name string, b []byte) {
	t.Helper()
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(b)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func testRecoverUnindexedRecord(t *testing.T, dir string, c Config) {
	s := setupSegment(t, dir, c)
	require.NoError(t, s.Close())

	// 模拟写入存储后、写入索引前崩溃
	frame := make([]byte, lenWidth)
	enc.PutUint64(frame, uint64(len("lost")))
	appendToFile(t, s.store.Name(), append(frame, []byte("lost")...))

	s, err := newSegment(dir, 0, c)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, uint64(3), s.nextOffset)
	got, err := s.Read(2)
	require.NoError(t, err)
	require.Equal(t, []byte("lost"), got)
}

func testRecoverIndexAheadOfStore(t *testing.T, dir string, c Config) {
	s := setupSegment(t, dir, c)
	require.NoError(t, s.Close())

	// 模拟缓冲区中的第二条记录没有写入文件
	require.NoError(t, os.Truncate(s.store.Name(), int64(width)))

	s, err := newSegment(dir, 0, c)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, uint64(1), s.nextOffset)
	got, err := s.Read(0)
	require.NoError(t, err)
	require.Equal(t, write, got)
	_, err = s.Read(1)
	require.ErrorIs(t, err, ErrOffsetOutOfRange)
}

func testRecoverPartialFrame(t *testing.T, dir string, c Config) {
	s := setupSegment(t, dir, c)
	require.NoError(t, s.Close())

	appendToFile(t, s.store.Name(), []byte{0, 0, 0, 0, 0, 0, 0, 50, 'a'})

	s, err := newSegment(dir, 0, c)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, uint64(2), s.nextOffset)
	require.Equal(t, 2*width, s.store.size)

	off, err := s.Append([]byte("after"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), off)
	got, err := s.Read(off)
	require.NoError(t, err)
	require.Equal(t, []byte("after"), got)
}

func testRecoverPaddedIndex(t *testing.T, dir string, c Config) {
	s := setupSegment(t, dir, c)

	// 模拟进程崩溃：缓冲区和内存映射都写入了文件
	// 但是索引文件没有被截断为真实的大小
	require.NoError(t, s.store.Close())
	require.NoError(t, s.index.Sync())
	require.NoError(t, s.index.mmap.UnsafeUnmap())
	require.NoError(t, s.index.file.Close())
	require.Equal(t, int64(c.Segment.MaxIndexBytes), fileSize(t, s.index.Name()))

	s, err := newSegment(dir, 0, c)
	require.NoError(t, err)
	require.Equal(t, uint64(2), s.nextOffset)
	for off := uint64(0); off < 2; off++ {
		got, err := s.Read(off)
		require.NoError(t, err)
		require.Equal(t, write, got)
	}
	require.NoError(t, s.Close())
	require.Equal(t, int64(2*entWidth), fileSize(t, s.index.Name()))
}
