package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/youngfr/commitlog/internal/log"
	"go.uber.org/zap"
)

// curl -X POST localhost:8080/records -d '{"value": "TGV0J3MgR28gIzEK"}'
// curl -X GET localhost:8080/records/0
// curl -X GET localhost:8080/offsets
// curl -X DELETE 'localhost:8080/records?before=10'
func NewHTTPServer(addr string, cl CommitLog, gatherer prometheus.Gatherer) *http.Server {
	s := &httpServer{
		CommitLog: cl,
		logger:    zap.L().Named("http"),
	}
	r := mux.NewRouter()

	r.HandleFunc("/records", s.handleProduce).Methods(http.MethodPost)
	r.HandleFunc("/records/{offset:[0-9]+}", s.handleConsume).Methods(http.MethodGet)
	r.HandleFunc("/records", s.handleTruncate).Methods(http.MethodDelete).Queries("before", "{before:[0-9]+}")
	r.HandleFunc("/offsets", s.handleOffsets).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return &http.Server{
		Addr: addr,
		// 一个 Handler 需要实现 ServeHTTP(ResponseWriter, *Request) 方法
		Handler: r,
	}
}

type httpServer struct {
	CommitLog CommitLog
	logger    *zap.Logger
}

type Record struct {
	Value  []byte `json:"value"`
	Offset uint64 `json:"offset"`
}

type ProduceRequest struct {
	Value []byte `json:"value"`
}

type ProduceResponse struct {
	Offset uint64 `json:"offset"`
}

type OffsetsResponse struct {
	Lowest  uint64 `json:"lowest"`
	Highest uint64 `json:"highest"`
	Empty   bool   `json:"empty"`
}

func (s *httpServer) handleProduce(w http.ResponseWriter, r *http.Request) {
	// 1. 反序列化请求
	var req ProduceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest) // 400
		return
	}
	// 2. 处理请求
	off, err := s.CommitLog.Append(req.Value)
	if err != nil {
		s.fail(w, err)
		return
	}
	// 3. 序列化结果作为响应
	s.encode(w, ProduceResponse{Offset: off})
}

func (s *httpServer) handleConsume(w http.ResponseWriter, r *http.Request) {
	off, err := strconv.ParseUint(mux.Vars(r)["offset"], 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest) // 400
		return
	}
	p, err := s.CommitLog.Read(off)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.encode(w, Record{Value: p, Offset: off})
}

func (s *httpServer) handleOffsets(w http.ResponseWriter, r *http.Request) {
	lowest, err := s.CommitLog.LowestOffset()
	if err != nil {
		s.fail(w, err)
		return
	}
	rsp := OffsetsResponse{Lowest: lowest}
	rsp.Highest, err = s.CommitLog.HighestOffset()
	switch {
	case errors.Is(err, log.ErrLogEmpty):
		rsp.Empty = true
	case err != nil:
		s.fail(w, err)
		return
	}
	s.encode(w, rsp)
}

func (s *httpServer) handleTruncate(w http.ResponseWriter, r *http.Request) {
	before, err := strconv.ParseUint(mux.Vars(r)["before"], 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest) // 400
		return
	}
	if err := s.CommitLog.Truncate(before); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) encode(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError) // 500
	}
}

func (s *httpServer) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, log.ErrOffsetOutOfRange) {
		http.Error(w, err.Error(), http.StatusNotFound) // 404
		return
	}
	if errors.Is(err, log.ErrLogClosed) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable) // 503
		return
	}
	s.logger.Error("request failed", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError) // 500
}
