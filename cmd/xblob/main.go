package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/xblob/pkg/client"
	"github.com/jacktea/xblob/pkg/server/httpapi"
	"github.com/jacktea/xblob/pkg/transport/grpcx"
	"github.com/jacktea/xblob/pkg/wire"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:           "xblob",
		Short:         "xblob blob transfer service and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("xblob")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "xblob"))
		}
	}
	viper.SetEnvPrefix("XBLOB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")
	flags.String("log-level", "info", "log level: trace|debug|info|warn|error")
	flags.String("log-format", "console", "log format: console|json")
	flags.String("target", "127.0.0.1:7400", "server for client commands: grpc address or http(s) URL")
	flags.Duration("timeout", 10*time.Second, "per-command timeout for client commands")
	flags.String("api-key", "", "API key sent by HTTP clients and required by the HTTP server")

	bindConfig("log.level", flags.Lookup("log-level"))
	bindConfig("log.format", flags.Lookup("log-format"))
	bindConfig("client.target", flags.Lookup("target"))
	bindConfig("client.timeout", flags.Lookup("timeout"))
	bindConfig("serve.api_key", flags.Lookup("api-key"))
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newLsCmd(),
		newStatCmd(),
		newPutCmd(),
		newCatCmd(),
		newRmCmd(),
	)
}

// dialClient connects to client.target. Targets with an http or https
// scheme use the HTTP exchange endpoint; anything else is a gRPC address.
func dialClient() (*client.Client, func(), error) {
	target := viper.GetString("client.target")
	if target == "" {
		return nil, nil, errors.New("client target is required")
	}
	opts := client.Options{Timeout: viper.GetDuration("client.timeout")}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		ex := &httpapi.Client{BaseURL: target, APIKey: viper.GetString("serve.api_key")}
		return client.New(ex, opts), func() {}, nil
	}
	conn, err := grpcx.Dial(target, grpcx.DialOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return client.New(conn, opts), func() { _ = conn.Close() }, nil
}

func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	c, closeFn, err := dialClient()
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(context.Background(), c)
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List blob identifiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				return doList(ctx, c, cmd.OutOrStdout())
			})
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <id>",
		Short: "Show the state, size and metadata of a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				return doStat(ctx, c, args[0], cmd.OutOrStdout())
			})
		},
	}
}

func newPutCmd() *cobra.Command {
	var (
		chunk uint32
		poll  time.Duration
		wait  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "put <id>",
		Short: "Write stdin to a blob and commit it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				return doPut(ctx, c, args[0], cmd.InOrStdin(), putOptions{Chunk: chunk, Poll: poll, Wait: wait})
			})
		},
	}
	cmd.Flags().Uint32Var(&chunk, "chunk", 4096, "bytes per write request")
	cmd.Flags().DurationVar(&poll, "poll", 100*time.Millisecond, "interval between commit status checks")
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for the commit to finish")
	return cmd
}

func newCatCmd() *cobra.Command {
	var chunk uint32
	cmd := &cobra.Command{
		Use:   "cat <id>",
		Short: "Print the blob contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				return doCat(ctx, c, args[0], chunk, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().Uint32Var(&chunk, "chunk", 4096, "bytes per read request")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				return c.Delete(ctx, args[0])
			})
		},
	}
}

// blobClient is the subset of *client.Client the commands use.
type blobClient interface {
	BlobIDs(ctx context.Context) ([]string, error)
	Stat(ctx context.Context, id string) (wire.BlobMeta, error)
	Open(ctx context.Context, flags wire.OpenFlags, id string) (uint16, error)
	Read(ctx context.Context, session uint16, offset, size uint32) ([]byte, error)
	Write(ctx context.Context, session uint16, offset uint32, data []byte) error
	Commit(ctx context.Context, session uint16, data []byte) error
	SessionStat(ctx context.Context, session uint16) (wire.BlobMeta, error)
	Close(ctx context.Context, session uint16) error
}

func doList(ctx context.Context, c blobClient, w io.Writer) error {
	ids, err := c.BlobIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return nil
}

func doStat(ctx context.Context, c blobClient, id string, w io.Writer) error {
	m, err := c.Stat(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "state\t%s\n", formatState(m.State))
	fmt.Fprintf(w, "size\t%s (%d bytes)\n", humanize.IBytes(uint64(m.Size)), m.Size)
	if len(m.Metadata) > 0 {
		fmt.Fprintf(w, "metadata\t%s\n", hex.EncodeToString(m.Metadata))
	}
	return nil
}

type putOptions struct {
	Chunk uint32
	Poll  time.Duration
	Wait  time.Duration
}

func doPut(ctx context.Context, c blobClient, id string, r io.Reader, opts putOptions) (err error) {
	if opts.Chunk == 0 {
		opts.Chunk = 4096
	}
	if opts.Poll <= 0 {
		opts.Poll = 100 * time.Millisecond
	}
	sid, err := c.Open(ctx, wire.OpenRead|wire.OpenWrite, id)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(ctx, sid); cerr != nil && err == nil {
			err = cerr
		}
	}()
	buf := make([]byte, opts.Chunk)
	var offset uint32
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if err := c.Write(ctx, sid, offset, buf[:n]); err != nil {
				return fmt.Errorf("write at %d: %w", offset, err)
			}
			offset += uint32(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if err := c.Commit(ctx, sid, nil); err != nil {
		return err
	}
	return waitCommitted(ctx, c, sid, opts)
}

func waitCommitted(ctx context.Context, c blobClient, sid uint16, opts putOptions) error {
	if opts.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Wait)
		defer cancel()
	}
	ticker := time.NewTicker(opts.Poll)
	defer ticker.Stop()
	for {
		m, err := c.SessionStat(ctx, sid)
		if err != nil {
			return err
		}
		switch {
		case m.State.Has(wire.StateCommitError):
			return errors.New("commit failed")
		case !m.State.Has(wire.StateCommitting):
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for commit: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func doCat(ctx context.Context, c blobClient, id string, chunk uint32, w io.Writer) (err error) {
	if chunk == 0 {
		chunk = 4096
	}
	sid, err := c.Open(ctx, wire.OpenRead, id)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(ctx, sid); cerr != nil && err == nil {
			err = cerr
		}
	}()
	var offset uint32
	for {
		data, err := c.Read(ctx, sid, offset, chunk)
		if err != nil {
			return fmt.Errorf("read at %d: %w", offset, err)
		}
		if len(data) == 0 {
			return nil
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		offset += uint32(len(data))
	}
}

var stateNames = []struct {
	bit  wire.StateFlags
	name string
}{
	{wire.StateOpenRead, "open_read"},
	{wire.StateOpenWrite, "open_write"},
	{wire.StateCommitting, "committing"},
	{wire.StateCommitted, "committed"},
	{wire.StateCommitError, "commit_error"},
}

func formatState(s wire.StateFlags) string {
	var parts []string
	for _, sn := range stateNames {
		if s.Has(sn.bit) {
			parts = append(parts, sn.name)
			s &^= sn.bit
		}
	}
	if s != 0 {
		parts = append(parts, fmt.Sprintf("0x%04x", uint16(s)))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
