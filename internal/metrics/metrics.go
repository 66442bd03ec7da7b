package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/youngfr/commitlog/internal/log"
)

var (
	Appends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "commitlog_appends_total",
		Help: "Total number of records appended to the log",
	})

	AppendedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "commitlog_appended_bytes_total",
		Help: "Total number of payload bytes appended to the log",
	})

	AppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "commitlog_append_duration_seconds",
		Help:    "Histogram of append latency",
		Buckets: prometheus.DefBuckets,
	})

	Reads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commitlog_reads_total",
			Help: "Total number of reads by result",
		},
		[]string{"result"},
	)
)

const (
	resultOK         = "ok"
	resultOutOfRange = "out_of_range"
	resultError      = "error"
)

// 需要导出下标和 segment 数目的日志
type Source interface {
	LowestOffset() (uint64, error)
	HighestOffset() (uint64, error)
	SegmentCount() int
}

var _ Source = (*log.Log)(nil)

// 注册所有指标，以及读取 src 当前状态的 gauge
func Register(reg prometheus.Registerer, src Source) error {
	collectors := []prometheus.Collector{
		Appends,
		AppendedBytes,
		AppendDuration,
		Reads,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "commitlog_lowest_offset",
			Help: "Lowest readable offset",
		}, func() float64 {
			off, _ := src.LowestOffset()
			return float64(off)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "commitlog_highest_offset",
			Help: "Highest written offset, -1 when the log is empty",
		}, func() float64 {
			off, err := src.HighestOffset()
			if err != nil {
				return -1
			}
			return float64(off)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "commitlog_segments",
			Help: "Number of retained segments",
		}, func() float64 {
			return float64(src.SegmentCount())
		}),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// 服务端使用的日志接口
type CommitLog interface {
	Append([]byte) (uint64, error)
	Read(uint64) ([]byte, error)
	LowestOffset() (uint64, error)
	HighestOffset() (uint64, error)
	Truncate(uint64) error
	Reset() error
}

type instrumented struct {
	CommitLog
}

// 返回一个在读写时更新指标的 CommitLog
func Instrument(cl CommitLog) CommitLog {
	return &instrumented{CommitLog: cl}
}

func (i *instrumented) Append(p []byte) (uint64, error) {
	start := time.Now()
	off, err := i.CommitLog.Append(p)
	AppendDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		Appends.Inc()
		AppendedBytes.Add(float64(len(p)))
	}
	return off, err
}

func (i *instrumented) Read(off uint64) ([]byte, error) {
	p, err := i.CommitLog.Read(off)
	switch {
	case err == nil:
		Reads.WithLabelValues(resultOK).Inc()
	case errors.Is(err, log.ErrOffsetOutOfRange):
		Reads.WithLabelValues(resultOutOfRange).Inc()
	default:
		Reads.WithLabelValues(resultError).Inc()
	}
	return p, err
}
