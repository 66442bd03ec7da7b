package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/youngfr/commitlog/internal/auth"
	"github.com/youngfr/commitlog/internal/config"
	"github.com/youngfr/commitlog/internal/log"
	"github.com/youngfr/commitlog/internal/metrics"
	"github.com/youngfr/commitlog/internal/server"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		configFile string
		overrides  config.Config
	)

	cmd := &cobra.Command{
		Use:   "logd",
		Short: "Serve a segmented commit log over gRPC and HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			// 命令行参数覆盖配置文件
			flags := cmd.Flags()
			if flags.Changed("data-dir") {
				cfg.DataDir = overrides.DataDir
			}
			if flags.Changed("grpc-addr") {
				cfg.GRPCAddr = overrides.GRPCAddr
			}
			if flags.Changed("http-addr") {
				cfg.HTTPAddr = overrides.HTTPAddr
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = overrides.LogLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			undo := zap.ReplaceGlobals(logger)
			defer undo()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	def := config.Default()
	cmd.Flags().StringVar(&configFile, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&overrides.DataDir, "data-dir", def.DataDir, "directory holding segment files")
	cmd.Flags().StringVar(&overrides.GRPCAddr, "grpc-addr", def.GRPCAddr, "gRPC listen address, empty to disable")
	cmd.Flags().StringVar(&overrides.HTTPAddr, "http-addr", def.HTTPAddr, "HTTP listen address, empty to disable")
	cmd.Flags().StringVar(&overrides.LogLevel, "log-level", def.LogLevel, "debug, info, warn or error")
	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(ctx context.Context, cfg config.Config) (err error) {
	logger := zap.L().Named("logd")

	clog, err := log.NewLog(cfg.DataDir, cfg.Log)
	if err != nil {
		return fmt.Errorf("open log %s: %w", cfg.DataDir, err)
	}
	// 所有服务停止之后最后关闭日志
	defer func() {
		err = multierr.Append(err, clog.Close())
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg, clog); err != nil {
		return err
	}
	instrumented := metrics.Instrument(clog)

	errc := make(chan error, 2)

	var gsrv *grpc.Server
	if cfg.GRPCAddr != "" {
		srvConfig := &server.Config{CommitLog: instrumented}
		var opts []grpc.ServerOption
		if cfg.TLS.Enabled {
			tlsConfig, err := auth.SetupTLSConfig(cfg.ServerTLS())
			if err != nil {
				return err
			}
			opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
		}
		if cfg.ACL.Enabled {
			authorizer, err := auth.NewAuthorizer(cfg.ACL.ModelFile, cfg.ACL.PolicyFile)
			if err != nil {
				return err
			}
			srvConfig.Authorizer = authorizer
		}

		ln, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		gsrv = server.NewGRPCServer(srvConfig, opts...)
		go func() {
			logger.Info("serving gRPC", zap.String("addr", ln.Addr().String()))
			errc <- gsrv.Serve(ln)
		}()
	}

	var hsrv *http.Server
	if cfg.HTTPAddr != "" {
		hsrv = server.NewHTTPServer(cfg.HTTPAddr, instrumented, reg)
		go func() {
			logger.Info("serving HTTP", zap.String("addr", cfg.HTTPAddr))
			if err := hsrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- err
				return
			}
			errc <- nil
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		logger.Error("server stopped", zap.Error(err))
	}

	if hsrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, hsrv.Shutdown(shutdownCtx))
	}
	if gsrv != nil {
		gsrv.GracefulStop()
	}
	return err
}
