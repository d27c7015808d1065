package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"voxelstream.ai/internal/persistence/archive"
	"voxelstream.ai/internal/persistence/indexdb"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/persistence/mapdb"
	"voxelstream.ai/internal/sim/clipmap"
	"voxelstream.ai/internal/sim/iopool"
	"voxelstream.ai/internal/sim/streaming"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/transport/observer"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (empty: defaults + env)")
		envFile    = flag.String("env", ".env", "dotenv file loaded before tuning (ignored if missing)")
		indexPath  = flag.String("index", "./data/index.sqlite", "tick history database")
		disableDB  = flag.Bool("disable_db", false, "disable the tick history database")
		logLevel   = flag.String("log_level", "info", "log level")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}
	log := logger.WithField("component", "server")

	if p := strings.TrimSpace(*envFile); p != "" {
		if err := godotenv.Load(p); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Fatal("load env file")
		}
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		log.WithError(err).Fatal("load tuning")
	}

	db, err := mapdb.Open(tune.Storage.Path, tune.Storage.Readers)
	if err != nil {
		log.WithError(err).Fatal("open map db")
	}
	defer db.Close()
	log.WithFields(logrus.Fields{
		"path":            tune.Storage.Path,
		"working_version": db.WorkingVersion(),
	}).Info("map db opened")

	reader := mapdb.NewDecoding(mapdb.NewRetrying(db, tune.Storage.ReadRetries, tune.Storage.RetryInterval))
	pool := iopool.New(tune.Pool.Workers)
	clip := clipmap.New(tune.Clipmap)
	loader := streaming.NewLoader(tune.Loader, streaming.ClipMapIndex(clip), reader, streaming.PoolExecutor(pool), logger.WithField("component", "loader"))

	st := newStreamer(tune, loader, clip, log)

	if dir := strings.TrimSpace(tune.TickLog.Dir); dir != "" {
		var opts persistlog.Options
		if a := tune.Archive; strings.TrimSpace(a.Endpoint) != "" {
			client, err := archive.NewClient(a.Endpoint, a.Bucket, a.AccessKeyID, a.SecretAccessKey)
			if err != nil {
				log.WithError(err).Fatal("init archive client")
			}
			mirror := archive.NewMirror(client, archive.Config{
				BaseDir: dir,
				Prefix:  a.Prefix,
				Workers: a.Workers,
				Queue:   a.Queue,
				Retries: 3,
			}, logger)
			defer mirror.Close()
			opts.OnClose = mirror.Enqueue
			log.WithFields(logrus.Fields{"endpoint": a.Endpoint, "bucket": a.Bucket}).Info("tick log archive enabled")
		}
		tickLog := persistlog.NewTickLogger(dir, opts)
		defer tickLog.Close()
		st.addSink(tickLog)
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB && strings.TrimSpace(*indexPath) != "" {
		idx, err = indexdb.OpenSQLite(*indexPath, 0, logger.WithField("component", "indexdb"))
		if err != nil {
			log.WithError(err).Fatal("open index db")
		}
		defer idx.Close()
		st.addSink(idx)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	if tune.Observer.MaxClients > 0 {
		obs := observer.NewServer(observer.Config{
			MaxClients: tune.Observer.MaxClients,
			SendBuffer: tune.Observer.SendBuffer,
		}, logger)
		mux.HandleFunc("/v1/observe/bootstrap", obs.BootstrapHandler())
		mux.HandleFunc("/v1/observe", obs.WSHandler())
		st.addSink(obs)
		st.state = obs
	} else {
		log.Info("observer endpoints disabled (observer.max_clients=0)")
	}
	if envBool("VOXELSTREAM_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return st.run(gctx)
	})
	g.Go(func() error {
		log.WithField("addr", *addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx2)
	})
	runErr := g.Wait()

	// The tick goroutine has exited; drain the loader before storage closes.
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = st.close(drainCtx)
	pool.Close()
	if idx != nil {
		if err := idx.Flush(drainCtx); err != nil {
			log.WithError(err).Warn("flush index db")
		}
	}

	if runErr != nil {
		log.WithError(runErr).Error("server stopped")
		return 1
	}
	log.Info("server stopped")
	return 0
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
