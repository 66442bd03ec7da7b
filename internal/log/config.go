package log

import "math"

// 单个 segment 的存储文件和索引文件的大小上限
// 任意一个达到上限时 Log 都会新建一个 segment 继续写入
type SegmentConfig struct {
	MaxStoreBytes uint64 `yaml:"max_store_bytes"` // N * (averageRecordLength + 8)
	MaxIndexBytes uint64 `yaml:"max_index_bytes"` // N * 12
	InitialOffset uint64 `yaml:"initial_offset"`
}

type Config struct {
	Segment SegmentConfig `yaml:"segment"`
}

const (
	defaultMaxStoreBytes = 1024 * 1024
	defaultMaxIndexBytes = 1024 * entWidth

	// 索引项中的相对下标是 uint32，一个 segment 最多只能有这么多条记录
	maxIndexBytes = math.MaxUint32 * entWidth
)

// 为没有设置的字段填入默认值
//
// 索引文件至少要能容纳一个索引项
// 否则每个新建的 segment 都会立刻写满
// 也不能超过相对下标能表示的索引项数目
func (c Config) withDefaults() Config {
	if c.Segment.MaxStoreBytes == 0 {
		c.Segment.MaxStoreBytes = defaultMaxStoreBytes
	}
	if c.Segment.MaxIndexBytes == 0 {
		c.Segment.MaxIndexBytes = defaultMaxIndexBytes
	}
	if c.Segment.MaxIndexBytes < entWidth {
		c.Segment.MaxIndexBytes = entWidth
	}
	if c.Segment.MaxIndexBytes > maxIndexBytes {
		c.Segment.MaxIndexBytes = maxIndexBytes
	}
	return c
}
