package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ecotwin.ai/internal/api"
	"ecotwin.ai/internal/backend"
	"ecotwin.ai/internal/cache"
	"ecotwin.ai/internal/catalog"
	"ecotwin.ai/internal/config"
	"ecotwin.ai/internal/logging"
	"ecotwin.ai/internal/persistence/indexdb"
	persistlog "ecotwin.ai/internal/persistence/log"
	"ecotwin.ai/internal/persistence/r2s3"
	"ecotwin.ai/internal/persistence/resultstore"
	"ecotwin.ai/internal/search"
	"ecotwin.ai/internal/transport/playback"
	"ecotwin.ai/internal/viewer"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/viewer.yaml", "viewer config path")
		envPath    = flag.String("env", ".env", "dotenv file with backend credentials (optional)")
		tilesPath  = flag.String("tiles", "", "tiles fixture to import (default: tiles_fixture from config)")
		resultsDir = flag.String("import_results", "", "directory of <simulation id>.json results to import on startup (optional)")
		syncTiles  = flag.Bool("sync", true, "sync tiles from the backend on startup")
		offline    = flag.Bool("offline", false, "never contact the backend; serve only local records")
	)
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintln(os.Stderr, "load env:", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(cfg, runFlags{
		tiles:      *tilesPath,
		resultsDir: *resultsDir,
		sync:       *syncTiles && !*offline,
		offline:    *offline,
	}, logger); err != nil {
		logger.WithError(err).Fatal("ecotwin-viewer stopped")
	}
}

type runFlags struct {
	tiles      string
	resultsDir string
	sync       bool
	offline    bool
}

func run(cfg config.Config, flags runFlags, logger *logrus.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()

	idx, err := indexdb.OpenSQLite(cfg.Store.IndexPath)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()

	store, err := resultstore.Open(cfg.Store.ResultDir)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	mirror, err := buildMirror(cfg, logger)
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	defer mirror.Close()
	if mirror != nil {
		store.OnWrite(mirror.Enqueue)
	}

	tensors, err := cache.NewTensorCache(cfg.Cache.MaxCostBytes, cfg.Cache.TTL)
	if err != nil {
		return fmt.Errorf("tensor cache: %w", err)
	}
	defer tensors.Close()
	charts, err := cache.NewChartCache(cfg.Cache.MaxCostBytes / 16)
	if err != nil {
		return fmt.Errorf("chart cache: %w", err)
	}
	defer charts.Close()

	tileSearch, err := search.NewTileIndex()
	if err != nil {
		return fmt.Errorf("tile search: %w", err)
	}
	defer tileSearch.Close()

	opts := catalog.Options{Index: idx, Store: store, Cache: tensors, Search: tileSearch, Log: logger}
	if !flags.offline {
		client, err := backend.New(backend.Config{
			BaseURL: cfg.Backend.BaseURL,
			Token:   cfg.Backend.Token,
			Timeout: cfg.Backend.Timeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("backend: %w", err)
		}
		opts.Backend = client
	}
	cat, err := catalog.New(opts)
	if err != nil {
		return err
	}

	if err := seed(ctx, cat, cfg, flags, logger); err != nil {
		return err
	}

	palette, background, err := cfg.Overlay.Colors()
	if err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	sessions := playback.NewServer(cat, viewer.Options{
		Interval:   cfg.Playback.Interval,
		Palette:    palette,
		Background: background,
		Style:      viewer.Style{Opacity: cfg.Overlay.Opacity, Resampling: cfg.Overlay.Resampling},
		HoverStyle: viewer.Style{Opacity: cfg.Overlay.HoverOpacity, Resampling: cfg.Overlay.HoverResampling},
		Cache:      tensors,
		Log:        logger,
	}, cfg.CORS.AllowOrigins, logger)
	logOpts := persistlog.LoggerOptions{}
	if mirror != nil {
		logOpts.OnClose = mirror.Enqueue
	}
	sessionLog := persistlog.NewSessionLogger(cfg.DataDir, logOpts)
	defer sessionLog.Close()
	sessions.RecordEvents(sessionLog)

	gin.SetMode(gin.ReleaseMode)
	apiSrv := api.NewServer(cat, api.Options{
		Palette:    palette,
		Background: background,
		Opacity:    cfg.Overlay.Opacity,
		Resampling: cfg.Overlay.Resampling,
		Charts:     charts,
		Stream:     sessions.Handler(),
		Origins:    cfg.CORS.AllowOrigins,
		Sessions:   sessions.Active,
		Log:        logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/v1/", apiSrv.Engine())
	mux.HandleFunc("/metrics", metricsHandler(sessions, tensors, idx, mirror))
	if envBool("ECOTWIN_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Info("pprof endpoints disabled (ECOTWIN_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.Listen).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	if err := idx.Flush(flushCtx); err != nil {
		logger.WithError(err).Warn("index flush")
	}
	logger.Info("shut down")
	return nil
}

// seed fills the local index from the fixture, imported results and the backend.
func seed(ctx context.Context, cat *catalog.Catalog, cfg config.Config, flags runFlags, logger *logrus.Logger) error {
	fixture := strings.TrimSpace(flags.tiles)
	if fixture == "" {
		fixture = cfg.TilesFixture
	}
	if fixture != "" {
		n, err := cat.ImportTiles(ctx, fixture)
		if err != nil {
			return fmt.Errorf("import tiles: %w", err)
		}
		logger.WithFields(logrus.Fields{"path": fixture, "tiles": n}).Info("imported tile fixture")
	}
	if flags.resultsDir != "" {
		n, err := cat.ImportResults(flags.resultsDir)
		if err != nil {
			return fmt.Errorf("import results: %w", err)
		}
		logger.WithFields(logrus.Fields{"dir": flags.resultsDir, "results": n}).Info("imported results")
	}
	if flags.sync {
		n, err := cat.SyncTiles(ctx)
		if err != nil {
			// Serving local records is still useful when the backend is down.
			logger.WithError(err).Warn("tile sync failed")
		} else {
			logger.WithField("tiles", n).Info("synced tiles from backend")
		}
	}
	return cat.RebuildSearch(ctx)
}

// buildMirror returns nil when mirroring is disabled.
func buildMirror(cfg config.Config, logger *logrus.Logger) (*r2s3.Mirror, error) {
	if !cfg.Mirror.Enabled {
		return nil, nil
	}
	client, err := r2s3.New(r2s3.Config{
		Endpoint:        cfg.Mirror.Endpoint,
		Bucket:          cfg.Mirror.Bucket,
		Region:          cfg.Mirror.Region,
		AccessKeyID:     cfg.Mirror.AccessKeyID,
		SecretAccessKey: cfg.Mirror.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{"endpoint": cfg.Mirror.Endpoint, "bucket": cfg.Mirror.Bucket}).Info("mirroring data dir")
	return r2s3.NewMirror(client, r2s3.MirrorOptions{
		DataDir: cfg.DataDir,
		Prefix:  cfg.Mirror.Prefix,
		Workers: cfg.Mirror.Workers,
		Log:     logger,
	}), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
