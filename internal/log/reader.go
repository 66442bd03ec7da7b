package log

import "errors"

// Reader 按下标顺序依次读出日志中的所有记录
//
// 它在每次调用 Next 时才去读取下一条记录
// 在遍历过程中追加的记录也会被读到
// 被截断的记录会被跳过
//
// Reader 不能被多个 goroutine 同时使用
type Reader struct {
	log *Log

	started bool
	next    uint64

	offset uint64
	value  []byte
	err    error
}

// 返回一个从 LowestOffset 开始的 Reader
func (l *Log) Reader() *Reader {
	return &Reader{log: l}
}

// 读取下一条记录，没有更多记录或者发生错误时返回 false
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	if !r.started {
		r.next, _ = r.log.LowestOffset()
		r.started = true
	}

	for {
		b, err := r.log.Read(r.next)
		if err == nil {
			r.offset, r.value = r.next, b
			r.next++
			return true
		}
		if !errors.Is(err, ErrOffsetOutOfRange) {
			r.err = err
			return false
		}
		// 下一条记录在遍历过程中被截断了，从新的下界继续
		lowest, _ := r.log.LowestOffset()
		if r.next >= lowest {
			return false
		}
		r.next = lowest
	}
}

// 最近一次 Next 读到的记录的下标
func (r *Reader) Offset() uint64 {
	return r.offset
}

// 最近一次 Next 读到的记录的内容
func (r *Reader) Value() []byte {
	return r.value
}

func (r *Reader) Err() error {
	return r.err
}

// 回到 LowestOffset 重新开始遍历
func (r *Reader) Rewind() {
	r.started = false
	r.offset, r.value, r.err = 0, nil, nil
}
