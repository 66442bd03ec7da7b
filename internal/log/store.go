package log

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/multierr"
)

type store struct {
	mu sync.Mutex

	// 存储日志记录的文件
	*os.File

	// 写缓冲区
	buf *bufio.Writer

	// 文件大小，包括还在缓冲区中没有写入文件的字节
	size uint64
}

func newStore(f *os.File) (*store, error) {
	finfo, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}

	return &store{
		File: f,
		// 缓冲区的默认大小是 4096 字节
		buf:  bufio.NewWriter(f),
		size: uint64(finfo.Size()),
	}, nil
}

// 将数字写入文件时使用的字节序
var enc = binary.BigEndian

// 表示一条记录的长度的数字所占用的字节数
const lenWidth = 8 // sizeof(uint64)

// 将一条记录追加写入文件的末尾
// 写入时会先写入记录的长度再写入记录的内容
// 这样在后续读取时就能知道应该读出多少字节
//
// 返回值 n 表示实际写入的字节数
// 返回值 pos 表示该条记录是从文件的第几个字节开始存储的
//
// 写入的内容只保证进入了缓冲区，需要持久化时调用 Flush 或 Sync
func (s *store) Append(p []byte) (n uint64, pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 只支持追加写入
	// 所以新写入记录的起始位置就是写入前文件的大小
	pos = s.size

	if err := binary.Write(s.buf, enc, uint64(len(p))); err != nil {
		return 0, 0, err
	}
	w, err := s.buf.Write(p)
	if err != nil {
		return 0, 0, err
	}

	w += lenWidth
	s.size += uint64(w)
	return uint64(w), pos, nil
}

// 读出从文件的第 pos 个字节开始的那条记录
func (s *store) Read(pos uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 首先保证将缓冲区中的内容写到文件中
	if err := s.buf.Flush(); err != nil {
		return nil, err
	}

	length, err := s.frameLen(pos)
	if err != nil {
		return nil, err
	}

	b := make([]byte, length)
	if _, err := s.File.ReadAt(b, int64(pos+lenWidth)); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: payload at %d shorter than %d bytes", ErrCorruptFrame, pos, length)
		}
		return nil, err
	}
	return b, nil
}

// 读出位于 pos 的记录的长度
// 调用者需要持有锁并且已经清空了缓冲区
func (s *store) frameLen(pos uint64) (uint64, error) {
	if pos+lenWidth > s.size {
		return 0, fmt.Errorf("%w: length prefix at %d past end of store", ErrCorruptFrame, pos)
	}
	size := make([]byte, lenWidth)
	if _, err := s.File.ReadAt(size, int64(pos)); err != nil {
		if err == io.EOF {
			return 0, fmt.Errorf("%w: length prefix at %d truncated", ErrCorruptFrame, pos)
		}
		return 0, err
	}
	length := enc.Uint64(size)
	// 长度可能是损坏的任意值，比较时要避免溢出
	if length > s.size-pos-lenWidth {
		return 0, fmt.Errorf("%w: payload at %d shorter than %d bytes", ErrCorruptFrame, pos, length)
	}
	return length, nil
}

// 从文件的第 off 个字节开始读出 len(p) 个字节
func (s *store) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return 0, err
	}
	return s.File.ReadAt(p, off)
}

// 将缓冲区中的内容写入文件
func (s *store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Flush()
}

// 将缓冲区中的内容写入文件并落盘
func (s *store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.File.Sync()
}

// 从头扫描文件中的所有记录，返回每条完整记录的起始位置
// 以及最后一条完整记录的结束位置
// 文件末尾不完整的记录不会被计入
func (s *store) scan() (positions []uint64, end uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return nil, 0, err
	}

	for end < s.size {
		length, err := s.frameLen(end)
		if err != nil {
			if errors.Is(err, ErrCorruptFrame) {
				break
			}
			return nil, 0, err
		}
		positions = append(positions, end)
		end += lenWidth + length
	}
	return positions, end, nil
}

// 将文件截断为 size 个字节
func (s *store) truncate(size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if err := s.File.Truncate(int64(size)); err != nil {
		return err
	}
	s.size = size
	return nil
}

// 将存储的日志写入磁盘并关闭相应的文件
// 即使写入失败也要关闭文件
func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.buf.Flush()
	return multierr.Append(err, s.File.Close())
}
