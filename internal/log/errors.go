package log

import "errors"

var (
	// 读取的下标已经被截断或者还没有被写入
	ErrOffsetOutOfRange = errors.New("offset out of range")

	// 存储文件中的记录长度或者记录内容不完整
	ErrCorruptFrame = errors.New("corrupt frame")

	// 日志中没有任何可读的记录
	ErrLogEmpty = errors.New("log is empty")

	// 日志已经关闭或者删除
	ErrLogClosed = errors.New("log is closed")

	// 索引文件已经没有空间存放新的索引项
	// 只在 log 包内部使用，触发新建 segment
	errIndexFull = errors.New("index space is not enough to put new entry")
)
