package log

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	storeExt = ".store"
	indexExt = ".index"
)

type segment struct {
	// 一个 segment 包含存储和索引
	store *store
	index *index

	// 第一个索引项表示的记录的绝对下标
	baseOffset uint64
	// 下一条要写入的记录的绝对下标
	nextOffset uint64

	config Config
}

// 文件名中的下标补齐到 20 位，这样按字典序排序就是按数字排序
func segmentPath(dir string, baseOffset uint64, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", baseOffset, ext))
}

func newSegment(dir string, baseOffset uint64, c Config) (s *segment, err error) {
	s = &segment{
		baseOffset: baseOffset,
		config:     c,
	}

	storeFile, err := os.OpenFile(
		segmentPath(dir, baseOffset, storeExt),
		os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	if s.store, err = newStore(storeFile); err != nil {
		return nil, multierr.Append(err, storeFile.Close())
	}

	indexFile, err := os.OpenFile(
		segmentPath(dir, baseOffset, indexExt),
		os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, multierr.Append(err, s.store.Close())
	}
	if s.index, err = newIndex(indexFile, c); err != nil {
		return nil, multierr.Combine(err, indexFile.Close(), s.store.Close())
	}

	if err = s.recover(); err != nil {
		return nil, multierr.Append(err, s.Close())
	}

	// 如果索引文件为空则 nextOffset 和 baseOffset 相等
	// 否则是 baseOffset 加上当前索引中的索引项数目
	if off, _, err := s.index.Read(-1); err != nil {
		s.nextOffset = baseOffset
	} else {
		s.nextOffset = baseOffset + uint64(off) + 1
	}

	return s, nil
}

// 检查索引和存储是否一致，不一致时根据存储文件重建索引
//
// 进程在写入存储之后、写入索引之前崩溃时，存储中会多出没有索引项的记录
// 缓冲区没有写入文件时崩溃，索引中又会多出指向不存在的记录的索引项
// 这两种情况都以存储文件中完整的记录为准
func (s *segment) recover() error {
	ok, err := s.consistent()
	if err != nil || ok {
		return err
	}

	positions, end, err := s.store.scan()
	if err != nil {
		return err
	}
	// 丢弃存储文件末尾不完整的记录
	if end < s.store.size {
		if err := s.store.truncate(end); err != nil {
			return err
		}
	}
	if err := s.index.reset(uint64(len(positions))); err != nil {
		return err
	}
	for i, pos := range positions {
		if err := s.index.Write(uint32(i), pos); err != nil {
			return err
		}
	}

	zap.L().Named("log").Warn(
		"rebuilt segment index from store",
		zap.Uint64("base_offset", s.baseOffset),
		zap.Int("records", len(positions)),
		zap.Uint64("store_bytes", end),
	)
	return nil
}

// 最后一个索引项的相对下标等于索引项数目减一
// 并且它指向的记录恰好在存储文件的末尾结束时认为两者一致
func (s *segment) consistent() (bool, error) {
	entries := s.index.entries()
	if entries == 0 {
		return s.store.size == 0, nil
	}
	off, pos, err := s.index.Read(-1)
	if err != nil {
		return false, err
	}
	if uint64(off) != entries-1 || pos+lenWidth > s.store.size {
		return false, nil
	}
	prefix := make([]byte, lenWidth)
	if _, err := s.store.ReadAt(prefix, int64(pos)); err != nil {
		return false, nil
	}
	return pos+lenWidth+enc.Uint64(prefix) == s.store.size, nil
}

// 写入一条记录，返回这条记录的绝对下标
func (s *segment) Append(p []byte) (offset uint64, err error) {
	// 先检查索引的空间，避免记录写入存储后却没有对应的索引项
	if !s.index.HasSpace() {
		return 0, errIndexFull
	}

	curr := s.nextOffset

	// 写入存储文件
	_, pos, err := s.store.Append(p)
	if err != nil {
		return 0, err
	}

	// 将相对下标和它在存储文件中的位置写入索引文件
	if err := s.index.Write(uint32(curr-s.baseOffset), pos); err != nil {
		return 0, err
	}

	s.nextOffset++
	return curr, nil
}

func (s *segment) Read(off uint64) ([]byte, error) {
	if off < s.baseOffset || off >= s.nextOffset {
		return nil, fmt.Errorf("%w: %d not in [%d, %d)", ErrOffsetOutOfRange, off, s.baseOffset, s.nextOffset)
	}

	// 先读取索引文件获取它在存储文件中的位置
	_, pos, err := s.index.Read(int64(off - s.baseOffset))
	if err != nil {
		return nil, err
	}

	return s.store.Read(pos)
}

func (s *segment) IsMaxed() bool {
	return s.store.size >= s.config.Segment.MaxStoreBytes ||
		s.index.size >= s.config.Segment.MaxIndexBytes ||
		!s.index.HasSpace()
}

func (s *segment) Sync() error {
	return multierr.Append(s.store.Sync(), s.index.Sync())
}

func (s *segment) Close() error {
	return multierr.Append(s.store.Close(), s.index.Close())
}

// 关闭并删除 segment 的存储文件和索引文件
func (s *segment) Remove() error {
	err := s.Close()
	err = multierr.Append(err, os.Remove(s.index.Name()))
	return multierr.Append(err, os.Remove(s.store.Name()))
}
