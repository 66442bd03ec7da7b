package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// 记录截断下界的文件，它的扩展名不是 .store 或 .index
// 所以不会被当作 segment 文件
const startOffsetFile = "log-start.offset"

type Log struct {
	// 存放所有 .store 和 .index 文件的目录
	Dir    string
	Config Config

	// 保护 segments、activeSegment 和 startOffset
	mu sync.RWMutex

	// 按 baseOffset 从小到大排序的所有 segment 对象
	segments []*segment

	// 总是向其中写入的、最新的 segment 对象
	// 它总是 segments 的最后一个元素
	// 当它写满时，我们新建一个 segment 并添加在 segments 的最后边
	activeSegment *segment

	// 调用 Truncate 设置的下界，小于它的记录都不可读
	startOffset uint64

	// 关闭之后所有 segment 的文件和内存映射都已经释放
	closed bool

	logger *zap.Logger
}

func NewLog(dir string, c Config) (*Log, error) {
	l := &Log{
		Dir:    dir,
		Config: c.withDefaults(),
		logger: zap.L().Named("log"),
	}
	return l, l.setup()
}

func (l *Log) setup() error {
	l.segments, l.activeSegment = nil, nil
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return err
	}

	baseOffsets, err := listSegmentBaseOffsets(l.Dir)
	if err != nil {
		return err
	}

	// 较小的下标对应较老的记录而较大的下标对应较新的记录
	// baseOffsets 已经排好序，按序创建 segment 即可
	for _, baseOffset := range baseOffsets {
		if err := l.newSegment(baseOffset); err != nil {
			return multierr.Append(err, l.shutdown())
		}
	}

	// 第一次启动 => 根据配置的 InitialOffset 值创建一个新的 segment 对象
	if len(l.segments) == 0 {
		if err := l.newSegment(l.Config.Segment.InitialOffset); err != nil {
			return err
		}
	}

	if l.startOffset, err = readStartOffset(l.Dir); err != nil {
		return multierr.Append(err, l.shutdown())
	}

	l.logger.Debug(
		"log opened",
		zap.String("dir", l.Dir),
		zap.Int("segments", len(l.segments)),
		zap.Uint64("next_offset", l.activeSegment.nextOffset),
	)
	return nil
}

// 从目录中找出所有 segment 的 baseOffset 并从小到大排序
//
// 我们在 segment 中创建存储文件和索引文件时
// 使用的是 xxx.store 和 xxx.index 的格式
// 其中 xxx 都是数字，表示的是这个文件中的第一项记录的绝对下标
// 无法解析的文件名直接忽略
func listSegmentBaseOffsets(dir string) ([]uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	seen := make(map[uint64]struct{})
	baseOffsets := make([]uint64, 0)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		ext := filepath.Ext(file.Name())
		if ext != storeExt && ext != indexExt {
			continue
		}
		baseOffset, err := strconv.ParseUint(strings.TrimSuffix(file.Name(), ext), 10, 64)
		if err != nil {
			continue
		}
		if _, ok := seen[baseOffset]; ok {
			continue
		}
		seen[baseOffset] = struct{}{}
		baseOffsets = append(baseOffsets, baseOffset)
	}

	sort.Slice(baseOffsets, func(i, j int) bool {
		return baseOffsets[i] < baseOffsets[j]
	})
	return baseOffsets, nil
}

func (l *Log) newSegment(baseOffset uint64) error {
	s, err := newSegment(l.Dir, baseOffset, l.Config)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, s)
	l.activeSegment = s
	return nil
}

// 以当前 activeSegment 的 nextOffset 为 baseOffset 新建一个 segment
func (l *Log) roll() error {
	old := l.activeSegment
	// 旧的 segment 不会再被写入，先把缓冲区写到文件中
	if err := old.store.Flush(); err != nil {
		return err
	}
	if err := l.newSegment(old.nextOffset); err != nil {
		return err
	}
	l.logger.Debug(
		"rolled segment",
		zap.Uint64("prev_base_offset", old.baseOffset),
		zap.Uint64("base_offset", l.activeSegment.baseOffset),
	)
	return nil
}

// 追加一条记录，返回它的绝对下标
//
// 记录写入后如果 activeSegment 达到了上限就立即新建一个 segment
// 新建失败时仍然返回记录的下标，因为记录已经成功写入了旧的 segment
func (l *Log) Append(p []byte) (offset uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLogClosed
	}

	offset, err = l.activeSegment.Append(p)
	if errors.Is(err, errIndexFull) {
		// 索引已经没有空间，记录没有被写入
		// 新建一个 segment 之后再写入
		if err := l.roll(); err != nil {
			return 0, err
		}
		offset, err = l.activeSegment.Append(p)
	}
	if err != nil {
		return 0, err
	}

	if l.activeSegment.IsMaxed() {
		return offset, l.roll()
	}
	return offset, nil
}

func (l *Log) Read(offset uint64) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrLogClosed
	}

	if offset < l.startOffset {
		return nil, fmt.Errorf("%w: %d below log start %d", ErrOffsetOutOfRange, offset, l.startOffset)
	}

	// segments 的 nextOffset 是递增的
	// 第一个 nextOffset 大于 offset 的 segment 就是唯一可能包含它的 segment
	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].nextOffset > offset
	})
	if i == len(l.segments) || l.segments[i].baseOffset > offset {
		return nil, fmt.Errorf("%w: %d", ErrOffsetOutOfRange, offset)
	}
	return l.segments[i].Read(offset)
}

func (l *Log) LowestOffset() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrLogClosed
	}
	return l.lowestOffset(), nil
}

func (l *Log) lowestOffset() uint64 {
	if base := l.segments[0].baseOffset; base > l.startOffset {
		return base
	}
	return l.startOffset
}

// 返回最后一条记录的下标
// 日志中没有可读的记录时返回 ErrLogEmpty
func (l *Log) HighestOffset() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrLogClosed
	}

	next := l.activeSegment.nextOffset
	if next == l.lowestOffset() {
		return 0, ErrLogEmpty
	}
	return next - 1, nil
}

// 删除所有记录都小于 lowest 的 segment
// 之后所有小于 lowest 的下标都不可读
func (l *Log) Truncate(lowest uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}

	// activeSegment 也要被删除时，先从它的 nextOffset 新建一个 segment
	// 新建失败则不删除任何 segment，日志保持原样
	// 空的 activeSegment 没有需要删除的记录
	active := l.activeSegment
	var replacement *segment
	if active.nextOffset <= lowest && active.baseOffset != active.nextOffset {
		s, err := newSegment(l.Dir, active.nextOffset, l.Config)
		if err != nil {
			return err
		}
		replacement = s
	}

	var err error
	removed := 0
	segments := make([]*segment, 0, len(l.segments)+1)
	for _, s := range l.segments {
		if s.nextOffset <= lowest && (s != active || replacement != nil) {
			// 删除失败的 segment 也已经被关闭了，不能再保留
			err = multierr.Append(err, s.Remove())
			removed++
			continue
		}
		segments = append(segments, s)
	}
	if replacement != nil {
		segments = append(segments, replacement)
		l.activeSegment = replacement
	}
	l.segments = segments

	// 截断下界不能超过下一条要写入的记录的下标
	// 否则之后写入的记录会不可读
	if lowest > l.activeSegment.nextOffset {
		lowest = l.activeSegment.nextOffset
	}
	if lowest > l.startOffset {
		l.startOffset = lowest
		err = multierr.Append(err, writeStartOffset(l.Dir, l.startOffset))
	}

	l.logger.Info(
		"truncated log",
		zap.Uint64("lowest", lowest),
		zap.Int("removed_segments", removed),
		zap.Int("segments", len(l.segments)),
	)
	return err
}

// 将 activeSegment 缓冲区中的记录写入磁盘
// 需要保证记录已经持久化时调用
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	return l.activeSegment.Sync()
}

func (l *Log) SegmentCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}

// 依次关闭所有 segment，任意一个关闭失败都不会影响其他 segment 的关闭
// 关闭之后除了 Remove 以外的所有操作都返回 ErrLogClosed
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	return l.shutdown()
}

// 关闭所有 segment 并清空状态，调用者需要持有写锁
// 无论关闭是否成功，之后都不能再访问这些 segment
func (l *Log) shutdown() error {
	err := l.closeSegments()
	l.segments = nil
	l.activeSegment = nil
	l.closed = true
	return err
}

func (l *Log) closeSegments() error {
	var err error
	for _, s := range l.segments {
		if cerr := s.Close(); cerr != nil {
			l.logger.Error("failed to close segment", zap.Uint64("base_offset", s.baseOffset), zap.Error(cerr))
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

// 关闭日志并删除目录下的所有文件
func (l *Log) Remove() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remove()
}

func (l *Log) remove() error {
	if !l.closed {
		if err := l.shutdown(); err != nil {
			return err
		}
	}
	return os.RemoveAll(l.Dir)
}

// 删除所有记录并从 InitialOffset 重新开始
//
// 整个过程持有写锁，并发的读取要么读到旧的日志，要么读到重置后的日志
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.remove(); err != nil {
		return err
	}
	l.startOffset = 0
	if err := l.setup(); err != nil {
		return err
	}
	l.closed = false
	return nil
}

func readStartOffset(dir string) (uint64, error) {
	b, err := os.ReadFile(filepath.Join(dir, startOffsetFile))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	off, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", startOffsetFile, err)
	}
	return off, nil
}

// 先写入临时文件再重命名，保证文件内容总是完整的
func writeStartOffset(dir string, off uint64) error {
	path := filepath.Join(dir, startOffsetFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(off, 10)), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
