package server

import (
	"context"
	"errors"
	"io"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_auth "github.com/grpc-ecosystem/go-grpc-middleware/auth"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	api "github.com/youngfr/commitlog/api/v1"
	"github.com/youngfr/commitlog/internal/auth"
	"github.com/youngfr/commitlog/internal/log"
	"github.com/youngfr/commitlog/internal/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// 服务端使用的日志存储需要实现的接口
//
// 具体的日志存储结构可以不使用 *log.Log 中的实现
// 但是都必须实现这些方法
type CommitLog interface {
	Append([]byte) (uint64, error)
	Read(uint64) ([]byte, error)
	LowestOffset() (uint64, error)
	HighestOffset() (uint64, error)
	Truncate(uint64) error
	Reset() error
}

var (
	_ CommitLog = (*log.Log)(nil)
	_ CommitLog = (metrics.CommitLog)(nil)
)

// 访问控制接口
// 无论是否使用 casbin 库来做访问控制都需要实现 Authorize 方法
type Authorizer interface {
	Authorize(subject, object, action string) error
}

var _ Authorizer = (*auth.Authorizer)(nil)

const defaultPollInterval = 100 * time.Millisecond

type Config struct {
	CommitLog CommitLog

	// 为空时不做访问控制
	Authorizer Authorizer

	// ConsumeStream 读完所有记录后等待新记录的间隔
	PollInterval time.Duration
}

type grpcServer struct {
	// 所有服务器实现都必须内嵌 UnimplementedLogServer 来保证向前兼容性
	api.UnimplementedLogServer

	*Config
}

var _ api.LogServer = (*grpcServer)(nil)

// 根据配置和服务器选项创建 gRPC 服务器
func NewGRPCServer(c *Config, opts ...grpc.ServerOption) *grpc.Server {
	logger := zap.L().Named("server")
	zapOpts := []grpc_zap.Option{
		grpc_zap.WithDurationField(func(duration time.Duration) zapcore.Field {
			return zap.Int64("grpc.time_ns", duration.Nanoseconds())
		}),
	}

	opts = append(opts,
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_ctxtags.StreamServerInterceptor(),
			grpc_zap.StreamServerInterceptor(logger, zapOpts...),
			grpc_auth.StreamServerInterceptor(authenticate),
		)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_ctxtags.UnaryServerInterceptor(),
			grpc_zap.UnaryServerInterceptor(logger, zapOpts...),
			grpc_auth.UnaryServerInterceptor(authenticate),
		)),
	)

	gsrv := grpc.NewServer(opts...)
	api.RegisterLogServer(gsrv, newGRPCServer(c))
	return gsrv
}

func newGRPCServer(c *Config) *grpcServer {
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	return &grpcServer{Config: c}
}

// 追加一条记录
func (s *grpcServer) Produce(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.UInt64Value, error) {
	if err := s.authorize(ctx, auth.ProduceAction); err != nil {
		return nil, err
	}
	off, err := s.CommitLog.Append(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.UInt64(off), nil
}

// 读取一条记录
func (s *grpcServer) Consume(ctx context.Context, req *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error) {
	if err := s.authorize(ctx, auth.ConsumeAction); err != nil {
		return nil, err
	}
	p, err := s.CommitLog.Read(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(p), nil
}

func (s *grpcServer) ProduceStream(stream api.Log_ProduceStreamServer) error {
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rsp, err := s.Produce(stream.Context(), req)
		if err != nil {
			return err
		}
		if err = stream.Send(rsp); err != nil {
			return err
		}
	}
}

// 从 req 开始依次发送记录
// 读到日志末尾时等待新的记录，直到客户端取消
func (s *grpcServer) ConsumeStream(req *wrapperspb.UInt64Value, stream api.Log_ConsumeStreamServer) error {
	ctx := stream.Context()
	if err := s.authorize(ctx, auth.ConsumeAction); err != nil {
		return err
	}

	off := req.GetValue()
	for {
		p, err := s.CommitLog.Read(off)
		switch {
		case err == nil:
			if err := stream.Send(wrapperspb.Bytes(p)); err != nil {
				return err
			}
			off++
			continue
		case !errors.Is(err, log.ErrOffsetOutOfRange):
			return toStatus(err)
		}

		// 要读的记录已经被截断，从新的下界继续
		if lowest, err := s.CommitLog.LowestOffset(); err == nil && off < lowest {
			off = lowest
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.PollInterval):
		}
	}
}

func (s *grpcServer) LowestOffset(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.UInt64Value, error) {
	if err := s.authorize(ctx, auth.ConsumeAction); err != nil {
		return nil, err
	}
	off, err := s.CommitLog.LowestOffset()
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.UInt64(off), nil
}

func (s *grpcServer) HighestOffset(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.UInt64Value, error) {
	if err := s.authorize(ctx, auth.ConsumeAction); err != nil {
		return nil, err
	}
	off, err := s.CommitLog.HighestOffset()
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.UInt64(off), nil
}

// 删除所有下标小于 req 的记录
func (s *grpcServer) Truncate(ctx context.Context, req *wrapperspb.UInt64Value) (*emptypb.Empty, error) {
	if err := s.authorize(ctx, auth.AdminAction); err != nil {
		return nil, err
	}
	if err := s.CommitLog.Truncate(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// 删除所有记录
func (s *grpcServer) Reset(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.authorize(ctx, auth.AdminAction); err != nil {
		return nil, err
	}
	if err := s.CommitLog.Reset(); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *grpcServer) authorize(ctx context.Context, action string) error {
	if s.Authorizer == nil {
		return nil
	}
	sub := subject(ctx)
	if sub == "" {
		return status.New(codes.Unauthenticated, "no transport security being used").Err()
	}
	return s.Authorizer.Authorize(sub, auth.ObjectWildcard, action)
}

// 将日志的错误转换为 gRPC 的状态码
func toStatus(err error) error {
	switch {
	case errors.Is(err, log.ErrOffsetOutOfRange), errors.Is(err, log.ErrLogEmpty):
		return status.New(codes.NotFound, err.Error()).Err()
	case errors.Is(err, log.ErrCorruptFrame):
		return status.New(codes.DataLoss, err.Error()).Err()
	case errors.Is(err, log.ErrLogClosed):
		return status.New(codes.Unavailable, err.Error()).Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.New(codes.Internal, err.Error()).Err()
}

// 从 TLS 客户端证书中取出 CommonName 作为访问控制的 subject
// 没有使用 TLS 时 subject 为空
func authenticate(ctx context.Context) (context.Context, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ctx, status.New(codes.Unknown, "couldn't find peer info").Err()
	}
	if p.AuthInfo == nil {
		return context.WithValue(ctx, subjectContextKey{}, ""), nil
	}

	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return context.WithValue(ctx, subjectContextKey{}, ""), nil
	}
	sub := tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
	return context.WithValue(ctx, subjectContextKey{}, sub), nil
}

func subject(ctx context.Context) string {
	sub, _ := ctx.Value(subjectContextKey{}).(string)
	return sub
}

type subjectContextKey struct{}
