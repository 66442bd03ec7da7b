package log

import (
	"fmt"
	"math"
	"os"

	"github.com/tysonmote/gommap"
	"go.uber.org/multierr"
)

const (
	// 在逻辑上，所有日志记录可以看作是顺序地存放在一个大数组中
	// 每条记录的 offset 表示的就是它在记录列表中的绝对下标
	//
	// 每个 index 中保存的是相对下标
	// 即每个 index 中都是 0, 1, 2, ... 的形式，就像下边这样：
	//
	// records:   0   1   2     3   4   5     6   7   8
	//          +---+---+---+ +---+---+---+ +---+---+---+
	// indexs:  | 0 | 1 | 2 | | 0 | 1 | 2 | | 0 | 1 | 2 |
	//          +---+---+---+ +---+---+---+ +---+---+---+
	//             index1        index2        index3
	//
	// 用一条记录的绝对下标减去所在 segment 的 baseOffset 就是相对下标
	// 相对下标使用 uint32 类型来存储以节省空间
	offWidth = 4 // sizeof(uint32)

	// 由 (*store).Append 方法返回的 pos 占用 8 个字节
	posWidth = 8 // sizeof(uint64)

	// 一个索引项包括记录的相对下标和记录在存储文件中的起始位置
	entWidth = offWidth + posWidth
)

type index struct {
	// 索引文件
	file *os.File

	// 成员 file 的内存映射
	mmap gommap.MMap

	// 已经写入的索引项占用的字节数
	size uint64
}

func newIndex(f *os.File, c Config) (*index, error) {
	idx := &index{file: f}

	finfo, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	// 正常关闭的索引文件大小总是 entWidth 的整数倍
	// 多出来的部分只能是不完整的索引项
	idx.size = uint64(finfo.Size())
	idx.size -= idx.size % entWidth

	// 一旦内存映射完成，其大小就不能再更改
	// 所以在映射前需要先将文件扩展为 MaxIndexBytes 个字节
	// 如果文件本身比 MaxIndexBytes 还大则保留原有的大小
	capacity := c.Segment.MaxIndexBytes
	if idx.size > capacity {
		capacity = idx.size
	}
	if err := idx.mapFile(capacity); err != nil {
		return nil, err
	}
	return idx, nil
}

func (i *index) mapFile(capacity uint64) (err error) {
	if err = i.file.Truncate(int64(capacity)); err != nil {
		return err
	}
	// 内存映射 I/O 需要使用共享文件映射
	i.mmap, err = gommap.Map(
		i.file.Fd(),
		gommap.PROT_READ|gommap.PROT_WRITE,
		gommap.MAP_SHARED)
	return err
}

// 根据相对下标查询对应的记录是从存储文件的第几个字节开始存储的
//
// 当输入为 -1 时返回的是最后一个索引项
// 也就是说 Read(-1)+1 就是当前存储的索引项的总数
// segment 在启动时需要用到这个特性
func (i *index) Read(in int64) (out uint32, pos uint64, err error) {
	entries := i.entries()
	if entries == 0 {
		return 0, 0, fmt.Errorf("%w: index is empty", ErrOffsetOutOfRange)
	}

	switch {
	case in == -1:
		out = uint32(entries - 1)
	case in < 0 || in > math.MaxUint32 || uint64(in) >= entries:
		return 0, 0, fmt.Errorf("%w: relative offset %d", ErrOffsetOutOfRange, in)
	default:
		out = uint32(in)
	}

	begin := uint64(out) * entWidth
	out = enc.Uint32(i.mmap[begin : begin+offWidth])
	pos = enc.Uint64(i.mmap[begin+offWidth : begin+entWidth])
	return out, pos, nil
}

// 判断 index 是否还有空间存储一个新的索引项
func (i *index) HasSpace() bool {
	return i.size+entWidth <= uint64(len(i.mmap))
}

func (i *index) Write(off uint32, pos uint64) error {
	if !i.HasSpace() {
		return errIndexFull
	}
	enc.PutUint32(i.mmap[i.size:i.size+offWidth], off)
	enc.PutUint64(i.mmap[i.size+offWidth:i.size+entWidth], pos)
	i.size += entWidth
	return nil
}

func (i *index) entries() uint64 {
	return i.size / entWidth
}

// 丢弃所有索引项，并保证映射至少能容纳 n 个索引项
// 用于从存储文件重建索引
func (i *index) reset(n uint64) error {
	i.size = 0
	if n*entWidth <= uint64(len(i.mmap)) {
		return nil
	}
	if err := i.mmap.UnsafeUnmap(); err != nil {
		return err
	}
	return i.mapFile(n * entWidth)
}

// 将内存映射中的修改写回文件
func (i *index) Sync() error {
	return i.mmap.Sync(gommap.MS_SYNC)
}

func (i *index) Name() string {
	return i.file.Name()
}

// 关闭时需要将文件的长度截断为真实写入的字节数
// 才能保证下次启动时索引文件的大小是正确的
func (i *index) Close() error {
	err := i.mmap.Sync(gommap.MS_SYNC)
	err = multierr.Append(err, i.mmap.UnsafeUnmap())
	if terr := i.file.Truncate(int64(i.size)); terr != nil {
		err = multierr.Append(err, terr)
	} else {
		err = multierr.Append(err, i.file.Sync())
	}
	return multierr.Append(err, i.file.Close())
}
