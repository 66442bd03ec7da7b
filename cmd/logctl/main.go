package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	api "github.com/youngfr/commitlog/api/v1"
	"github.com/youngfr/commitlog/internal/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type options struct {
	addr    string
	timeout time.Duration
	tls     bool
	tlsCfg  auth.TLSConfig
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRoot().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "logctl",
		Short:        "Client for a logd server",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.addr, "addr", "127.0.0.1:8400", "gRPC address of the server")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "per request timeout")
	flags.BoolVar(&opts.tls, "tls", false, "connect using TLS")
	flags.BoolVar(&opts.tlsCfg.Mutual, "mutual", false, "present a client certificate")
	flags.StringVar(&opts.tlsCfg.CAFile, "ca-file", auth.CAFile, "root certificate")
	flags.StringVar(&opts.tlsCfg.CertFile, "cert-file", auth.ClientCertFile, "client certificate")
	flags.StringVar(&opts.tlsCfg.KeyFile, "key-file", auth.ClientKeyFile, "client private key")
	flags.StringVar(&opts.tlsCfg.ServerName, "server-name", "", "expected server name")

	root.AddCommand(
		newProduceCommand(opts),
		newConsumeCommand(opts),
		newOffsetsCommand(opts),
		newTruncateCommand(opts),
	)
	return root
}

func (o *options) dial() (api.LogClient, func(), error) {
	creds := insecure.NewCredentials()
	if o.tls {
		tlsConfig, err := auth.SetupTLSConfig(o.tlsCfg)
		if err != nil {
			return nil, nil, err
		}
		creds = credentials.NewTLS(tlsConfig)
	}
	conn, err := grpc.Dial(o.addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, nil, err
	}
	return api.NewLogClient(conn), func() { conn.Close() }, nil
}

func newProduceCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "produce <value>...",
		Short: "Append values and print their offsets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, done, err := opts.dial()
			if err != nil {
				return err
			}
			defer done()

			for _, v := range args {
				ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
				rsp, err := client.Produce(ctx, wrapperspb.Bytes([]byte(v)))
				cancel()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rsp.GetValue())
			}
			return nil
		},
	}
}

func newConsumeCommand(opts *options) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "consume <offset>",
		Short: "Print the record at offset, or every record from offset with --follow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			off, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			client, done, err := opts.dial()
			if err != nil {
				return err
			}
			defer done()

			if !follow {
				ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
				defer cancel()
				rsp, err := client.Consume(ctx, wrapperspb.UInt64(off))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", rsp.GetValue())
				return nil
			}

			stream, err := client.ConsumeStream(cmd.Context(), wrapperspb.UInt64(off))
			if err != nil {
				return err
			}
			for {
				rsp, err := stream.Recv()
				if status.Code(err) == codes.Canceled {
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", rsp.GetValue())
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming new records")
	return cmd
}

func newOffsetsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "offsets",
		Short: "Print the lowest and highest offsets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, done, err := opts.dial()
			if err != nil {
				return err
			}
			defer done()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			lowest, err := client.LowestOffset(ctx, &emptypb.Empty{})
			if err != nil {
				return err
			}
			highest, err := client.HighestOffset(ctx, &emptypb.Empty{})
			switch {
			case status.Code(err) == codes.NotFound:
				fmt.Fprintf(cmd.OutOrStdout(), "lowest=%d highest=none\n", lowest.GetValue())
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lowest=%d highest=%d\n", lowest.GetValue(), highest.GetValue())
			return nil
		},
	}
}

func newTruncateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "truncate <offset>",
		Short: "Remove all records below offset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			off, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			client, done, err := opts.dial()
			if err != nil {
				return err
			}
			defer done()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			_, err = client.Truncate(ctx, wrapperspb.UInt64(off))
			return err
		},
	}
}
