package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/dispatch"
	"github.com/jacktea/xblob/pkg/encryption"
	"github.com/jacktea/xblob/pkg/gc"
	"github.com/jacktea/xblob/pkg/handler"
	"github.com/jacktea/xblob/pkg/handler/binstore"
	"github.com/jacktea/xblob/pkg/handler/flash"
	"github.com/jacktea/xblob/pkg/handler/hashblob"
	"github.com/jacktea/xblob/pkg/handler/static"
	"github.com/jacktea/xblob/pkg/logging"
	"github.com/jacktea/xblob/pkg/meta"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/server/httpapi"
	"github.com/jacktea/xblob/pkg/server/middleware"
	"github.com/jacktea/xblob/pkg/session"
	"github.com/jacktea/xblob/pkg/sharder"
	"github.com/jacktea/xblob/pkg/transport/grpcx"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the blob protocol over gRPC and HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, loadServeConfig())
		},
	}
	f := cmd.Flags()
	f.String("grpc-addr", ":7400", "gRPC listen address (empty disables)")
	f.String("http-addr", ":7480", "HTTP listen address (empty disables)")
	f.Int("rate-limit", 0, "HTTP requests allowed per rate window (0 disables)")
	f.Duration("rate-window", time.Second, "HTTP rate limit window")

	f.Duration("idle-timeout", session.DefaultIdleTimeout, "inactivity window before a session is expired")
	f.Duration("reap-interval", time.Minute, "how often idle sessions are expired")
	f.Uint32("max-read", 0, "bytes returned by one read (0 = unlimited)")
	f.Duration("sweep-interval", 5*time.Minute, "how often unreferenced shards are deleted")

	f.String("store-provider", "local", "shard store provider: local|s3")
	f.String("store-root", ".xblob/blobs", "shard store root (local provider)")
	f.String("store-endpoint", "", "remote store endpoint")
	f.String("store-bucket", "", "remote store bucket")
	f.String("store-region", "", "remote store region")
	f.String("store-access-key", "", "remote store access key")
	f.String("store-secret-key", "", "remote store secret key")
	f.String("store-session-token", "", "remote store session token")
	f.String("store-compression", "none", "shard compression: none|lz4|zstd")
	f.String("store-key", "", "hex-encoded 32-byte shard sealing key")
	f.Int("store-chunk", 1024, "shard size in KiB")
	f.String("store-hybrid-provider", "", "secondary store provider for a hybrid tier")
	f.String("store-hybrid-root", "", "secondary store root (local provider)")
	f.String("store-hybrid-endpoint", "", "secondary store endpoint")
	f.String("store-hybrid-bucket", "", "secondary store bucket")
	f.String("store-hybrid-region", "", "secondary store region")
	f.String("store-hybrid-access-key", "", "secondary store access key")
	f.String("store-hybrid-secret-key", "", "secondary store secret key")
	f.Bool("store-hybrid-mirror", true, "mirror writes to the secondary store")
	f.Bool("store-hybrid-cache-read", true, "restore secondary reads into the primary store")

	f.String("meta-path", "", "bbolt metadata file (empty keeps metadata in memory)")
	f.String("static-root", "", "directory served by the static handler")
	f.String("static-manifest", "blobs.toml", "static manifest path relative to static-root")
	f.StringSlice("binstore-base-ids", []string{"/binstore/default/"}, "binstore base ids")
	f.StringSlice("hash-names", []string{"image"}, "names served under /hash/")
	f.String("hash-max-size", "64MB", "largest payload a hash blob will stage")
	f.String("flash-max-size", "256MB", "largest image a flash blob will stage")

	for key, name := range map[string]string{
		"serve.grpc_addr":         "grpc-addr",
		"serve.http_addr":         "http-addr",
		"serve.rate_limit":        "rate-limit",
		"serve.rate_window":       "rate-window",
		"session.idle_timeout":    "idle-timeout",
		"session.reap_interval":   "reap-interval",
		"session.max_read":        "max-read",
		"gc.sweep_interval":       "sweep-interval",
		"store.provider":          "store-provider",
		"store.root":              "store-root",
		"store.endpoint":          "store-endpoint",
		"store.bucket":            "store-bucket",
		"store.region":            "store-region",
		"store.access_key":        "store-access-key",
		"store.secret_key":        "store-secret-key",
		"store.session_token":     "store-session-token",
		"store.compression":       "store-compression",
		"store.key":               "store-key",
		"store.chunk":             "store-chunk",
		"store.hybrid_provider":   "store-hybrid-provider",
		"store.hybrid_root":       "store-hybrid-root",
		"store.hybrid_endpoint":   "store-hybrid-endpoint",
		"store.hybrid_bucket":     "store-hybrid-bucket",
		"store.hybrid_region":     "store-hybrid-region",
		"store.hybrid_access_key": "store-hybrid-access-key",
		"store.hybrid_secret_key": "store-hybrid-secret-key",
		"store.hybrid_mirror":     "store-hybrid-mirror",
		"store.hybrid_cache_read": "store-hybrid-cache-read",
		"meta.path":               "meta-path",
		"static.root":             "static-root",
		"static.manifest":         "static-manifest",
		"binstore.base_ids":       "binstore-base-ids",
		"hashblob.names":          "hash-names",
		"hashblob.max_size":       "hash-max-size",
		"flash.max_size":          "flash-max-size",
	} {
		bindConfig(key, f.Lookup(name))
	}
	return cmd
}

type storageOptions struct {
	Root         string
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

type serveConfig struct {
	LogLevel  string
	LogFormat string

	GRPCAddr   string
	HTTPAddr   string
	APIKey     string
	RateLimit  int
	RateWindow time.Duration

	IdleTimeout   time.Duration
	ReapInterval  time.Duration
	MaxRead       uint32
	SweepInterval time.Duration

	Provider       string
	Storage        storageOptions
	Compression    string
	Key            string
	ChunkKiB       int
	HybridProvider string
	Hybrid         storageOptions
	HybridOptions  blob.HybridOptions

	MetaPath       string
	StaticRoot     string
	StaticManifest string
	BinstoreIDs    []string
	HashNames      []string
	HashMaxSize    uint64
	FlashMaxSize   uint64
}

func loadServeConfig() serveConfig {
	return serveConfig{
		LogLevel:      viper.GetString("log.level"),
		LogFormat:     viper.GetString("log.format"),
		GRPCAddr:      viper.GetString("serve.grpc_addr"),
		HTTPAddr:      viper.GetString("serve.http_addr"),
		APIKey:        viper.GetString("serve.api_key"),
		RateLimit:     viper.GetInt("serve.rate_limit"),
		RateWindow:    viper.GetDuration("serve.rate_window"),
		IdleTimeout:   viper.GetDuration("session.idle_timeout"),
		ReapInterval:  viper.GetDuration("session.reap_interval"),
		MaxRead:       viper.GetUint32("session.max_read"),
		SweepInterval: viper.GetDuration("gc.sweep_interval"),
		Provider:      viper.GetString("store.provider"),
		Storage: storageOptions{
			Root:         viper.GetString("store.root"),
			Endpoint:     viper.GetString("store.endpoint"),
			Bucket:       viper.GetString("store.bucket"),
			Region:       viper.GetString("store.region"),
			AccessKey:    viper.GetString("store.access_key"),
			SecretKey:    viper.GetString("store.secret_key"),
			SessionToken: viper.GetString("store.session_token"),
		},
		Compression:    viper.GetString("store.compression"),
		Key:            viper.GetString("store.key"),
		ChunkKiB:       viper.GetInt("store.chunk"),
		HybridProvider: viper.GetString("store.hybrid_provider"),
		Hybrid: storageOptions{
			Root:      viper.GetString("store.hybrid_root"),
			Endpoint:  viper.GetString("store.hybrid_endpoint"),
			Bucket:    viper.GetString("store.hybrid_bucket"),
			Region:    viper.GetString("store.hybrid_region"),
			AccessKey: viper.GetString("store.hybrid_access_key"),
			SecretKey: viper.GetString("store.hybrid_secret_key"),
		},
		HybridOptions: blob.HybridOptions{
			MirrorSecondary: viper.GetBool("store.hybrid_mirror"),
			CacheOnRead:     viper.GetBool("store.hybrid_cache_read"),
		},
		MetaPath:       viper.GetString("meta.path"),
		StaticRoot:     viper.GetString("static.root"),
		StaticManifest: viper.GetString("static.manifest"),
		BinstoreIDs:    viper.GetStringSlice("binstore.base_ids"),
		HashNames:      viper.GetStringSlice("hashblob.names"),
		HashMaxSize:    uint64(viper.GetSizeInBytes("hashblob.max_size")),
		FlashMaxSize:   uint64(viper.GetSizeInBytes("flash.max_size")),
	}
}

func buildBlobStore(provider string, opts storageOptions) (blob.Store, error) {
	switch strings.ToLower(provider) {
	case "", "local":
		if opts.Root == "" {
			return nil, errors.New("local store requires a root")
		}
		return blob.NewPathStore(opts.Root)
	case "s3":
		if opts.Endpoint == "" || opts.Bucket == "" || opts.AccessKey == "" || opts.SecretKey == "" || opts.Region == "" {
			return nil, errors.New("s3 config requires endpoint, bucket, region, access key, and secret key")
		}
		return blob.NewS3Store(blob.S3Config{
			RemoteConfig: blob.RemoteConfig{
				Endpoint:     opts.Endpoint,
				Bucket:       opts.Bucket,
				CacheEntries: 1024,
				CacheTTL:     time.Minute,
			},
			Region:       opts.Region,
			AccessKey:    opts.AccessKey,
			SecretKey:    opts.SecretKey,
			SessionToken: opts.SessionToken,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}

// buildShardStore returns the primary store, layered over a secondary
// tier when one is configured.
func buildShardStore(cfg serveConfig) (blob.Store, error) {
	primary, err := buildBlobStore(cfg.Provider, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage config: %w", err)
	}
	if cfg.HybridProvider == "" {
		return primary, nil
	}
	secondary, err := buildBlobStore(cfg.HybridProvider, cfg.Hybrid)
	if err != nil {
		return nil, fmt.Errorf("hybrid storage config: %w", err)
	}
	return blob.NewHybridStore(primary, secondary, cfg.HybridOptions)
}

func buildWriterOptions(cfg serveConfig) (sharder.WriterOptions, error) {
	comp, err := blob.ParseCompression(cfg.Compression)
	if err != nil {
		return sharder.WriterOptions{}, err
	}
	opts := sharder.WriterOptions{
		ChunkSize: int64(cfg.ChunkKiB) << 10,
		Put:       blob.PutOptions{Compression: comp},
	}
	if cfg.Key != "" {
		key, err := hex.DecodeString(cfg.Key)
		if err != nil || len(key) != encryption.KeySize {
			return sharder.WriterOptions{}, errors.New("store key must be 32 bytes of hex")
		}
		opts.Put.Encryption = encryption.Options{Method: encryption.MethodXChaCha20Poly1305, Key: key}
	}
	return opts, nil
}

type metaStore interface {
	meta.Store
	Close() error
}

type memoryMeta struct{ *meta.MemoryStore }

func (memoryMeta) Close() error { return nil }

func buildMetaStore(path string) (metaStore, error) {
	if path == "" {
		return memoryMeta{meta.NewMemoryStore()}, nil
	}
	return meta.NewBoltStore(meta.BoltConfig{Path: path})
}

// stack is everything serve runs.
type stack struct {
	manager  *session.Manager
	dispatch *dispatch.Dispatcher
	shards   blob.Store
	meta     metaStore
	flash    *flash.Handler
	hashes   *hashblob.Handler
}

func (s *stack) close() {
	if s.flash != nil {
		_ = s.flash.Shutdown()
	}
	if s.hashes != nil {
		s.hashes.Wait()
	}
	if s.meta != nil {
		_ = s.meta.Close()
	}
}

func buildStack(ctx context.Context, cfg serveConfig, log *zerolog.Logger) (_ *stack, err error) {
	st := &stack{}
	defer func() {
		if err != nil {
			st.close()
		}
	}()
	if st.meta, err = buildMetaStore(cfg.MetaPath); err != nil {
		return nil, fmt.Errorf("metadata store: %w", err)
	}
	if st.shards, err = buildShardStore(cfg); err != nil {
		return nil, err
	}
	writer, err := buildWriterOptions(cfg)
	if err != nil {
		return nil, err
	}

	var handlers []handler.Handler
	if cfg.StaticRoot != "" {
		fsys := osfs.New(cfg.StaticRoot)
		manifest, err := static.LoadManifest(fsys, cfg.StaticManifest)
		if err != nil {
			return nil, err
		}
		h, err := static.New(fsys, manifest, log)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}
	if len(cfg.BinstoreIDs) > 0 {
		h, err := binstore.New(ctx, binstore.Options{Store: st.meta, BaseIDs: cfg.BinstoreIDs, Logger: log})
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}
	if len(cfg.HashNames) > 0 {
		st.hashes = hashblob.New(hashblob.Options{Names: cfg.HashNames, Store: st.meta, MaxSize: cfg.HashMaxSize, Logger: log})
		handlers = append(handlers, st.hashes)
	}
	st.flash, err = flash.New(flash.Options{Meta: st.meta, Blobs: st.shards, Writer: writer, MaxSize: cfg.FlashMaxSize, Logger: log})
	if err != nil {
		return nil, err
	}
	handlers = append(handlers, st.flash)

	st.manager = session.NewManager(session.Options{
		Registry:    registry.New(handlers...),
		IdleTimeout: cfg.IdleTimeout,
		MaxRead:     cfg.MaxRead,
		Logger:      log,
	})
	st.dispatch = dispatch.New(dispatch.Options{Manager: st.manager, Logger: log})
	return st, nil
}

func runServe(ctx context.Context, cfg serveConfig) error {
	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	if cfg.GRPCAddr == "" && cfg.HTTPAddr == "" {
		return errors.New("serve: at least one of grpc or http address is required")
	}
	st, err := buildStack(ctx, cfg, &log)
	if err != nil {
		return err
	}
	defer st.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reaper := gc.NewReaper(gc.ReaperOptions{Sessions: st.manager, Logger: &log})
	defer reaper.Start(ctx, cfg.ReapInterval)()
	sweeper := gc.NewShardSweeper(gc.SweeperOptions{Store: st.meta, Blob: st.shards, Logger: &log})
	defer sweeper.Start(ctx, cfg.SweepInterval)()

	errCh := make(chan error, 2)
	running := 0
	if cfg.GRPCAddr != "" {
		running++
		srv := grpcx.NewServer(st.dispatch, grpcx.Options{Logger: &log})
		go func() { errCh <- grpcx.Serve(ctx, srv, cfg.GRPCAddr) }()
		log.Info().Str("addr", cfg.GRPCAddr).Msg("serving gRPC")
	}
	if cfg.HTTPAddr != "" {
		running++
		opts := httpapi.Options{APIKey: cfg.APIKey}
		if cfg.RateLimit > 0 {
			opts.RateLimit = middleware.RateLimitOptions{Requests: cfg.RateLimit, Window: cfg.RateWindow}
		}
		srv := &httpapi.Server{Handler: st.dispatch, Blobs: st.manager.Registry(), Log: &log, Opts: opts}
		go func() { errCh <- srv.Start(ctx, cfg.HTTPAddr) }()
		log.Info().Str("addr", cfg.HTTPAddr).Msg("serving HTTP")
	}

	var errs []error
	for ; running > 0; running-- {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
			// one listener failing stops the other
			cancel()
		}
	}
	return errors.Join(errs...)
}
