package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/replica/internal/config"
	"github.com/agentworkforce/replica/internal/features"
	"github.com/agentworkforce/replica/internal/httpapi"
	"github.com/agentworkforce/replica/internal/lifecycle"
	"github.com/agentworkforce/replica/internal/livequery"
	"github.com/agentworkforce/replica/internal/metrics"
	"github.com/agentworkforce/replica/internal/shapesync"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type runOptions struct {
	syncURL        string
	storeDSN       string
	token          string
	sessionFile    string
	user           string
	searchSpace    int64
	shapesFile     string
	metricsAddr    string
	statusInterval time.Duration
}

func newRunCmd(g *globals) *cobra.Command {
	var o runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync the signed-in user's replica until interrupted",
		Long: `Run keeps the replica of the signed-in user in sync.

With --session-file, the file is watched for the user's bearer token: a new
token signs in (switching users if needed), and removing the file or letting
the token expire signs out and deletes the replica. Otherwise --token is
used for the life of the process.

Examples:
  replicad run --session-file ~/.config/app/session --search-space 42
  replicad run --token "$TOKEN" --sync-url wss://sync.example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.apply(cmd, g.cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReplica(ctx, g.cfg, o)
		},
	}

	var flags = cmd.Flags()
	flags.StringVar(&o.syncURL, "sync-url", "", "shape sync server URL, http(s) or ws(s) (REPLICA_SYNC_URL)")
	flags.StringVar(&o.storeDSN, "store", "", "replica store DSN (REPLICA_STORE_DSN)")
	flags.StringVar(&o.token, "token", "", "bearer token (REPLICA_TOKEN)")
	flags.StringVar(&o.sessionFile, "session-file", "", "file holding the signed-in user's bearer token (REPLICA_SESSION_FILE)")
	flags.StringVar(&o.user, "user", "", "user of --token, if the token doesn't name one")
	flags.Int64Var(&o.searchSpace, "search-space", 0, "search space bound into shapes (REPLICA_SEARCH_SPACE_ID)")
	flags.StringVar(&o.shapesFile, "shapes-file", "", "YAML file of shapes to replicate (REPLICA_SHAPES_FILE)")
	flags.StringVar(&o.metricsAddr, "metrics-addr", "", "address of the replica API, serving /metrics and /healthz (REPLICA_METRICS_ADDR)")
	flags.DurationVar(&o.statusInterval, "status-interval", time.Minute, "interval of shape status logs; zero disables them")
	return cmd
}

// apply overrides the configuration with flags which were set.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	var flags = cmd.Flags()
	if flags.Changed("sync-url") {
		cfg.SyncURL = o.syncURL
	}
	if flags.Changed("store") {
		cfg.StoreDSN = o.storeDSN
	}
	if flags.Changed("token") {
		cfg.Token = strings.TrimSpace(o.token)
	}
	if flags.Changed("session-file") {
		cfg.SessionFile = o.sessionFile
	}
	if flags.Changed("search-space") {
		cfg.SearchSpaceID = o.searchSpace
	}
	if flags.Changed("shapes-file") {
		cfg.ShapesFile = o.shapesFile
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
}

func runReplica(ctx context.Context, cfg *config.Config, o runOptions) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var logger = log.StandardLogger()

	shapes, err := cfg.UserShapes()
	if err != nil {
		return err
	}
	parser, err := lifecycle.NewSessionParser(cfg.SessionKeys)
	if err != nil {
		return err
	}

	var watcher *lifecycle.SessionWatcher
	var tokens = shapesync.StaticToken(cfg.Token)
	var userID = strings.TrimSpace(o.user)

	if cfg.SessionFile != "" {
		tokens = func(ctx context.Context) (string, error) { return watcher.Token(ctx) }
	} else if cfg.Token == "" {
		return fmt.Errorf("a session file (--session-file or REPLICA_SESSION_FILE) or token (--token or REPLICA_TOKEN) is required")
	} else if userID == "" {
		session, err := parser.Parse(cfg.Token)
		if err != nil {
			return fmt.Errorf("token names no user; pass --user: %w", err)
		}
		userID = session.UserID
	}

	transport, err := newTransport(cfg, tokens, logger)
	if err != nil {
		return err
	}
	manager, err := lifecycle.NewManager(lifecycle.Options{
		StoreDSN:      cfg.StoreDSN,
		StoreOptions:  cfg.StoreOptions(logger),
		Transport:     transport,
		EngineOptions: cfg.EngineOptions(logger),
		Shapes:        shapes,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	lifecycle.SetDefault(manager)
	defer lifecycle.SetDefault(nil)

	if cfg.SessionFile != "" {
		if watcher, err = lifecycle.NewSessionWatcher(cfg.SessionFile, manager, parser, logger); err != nil {
			return err
		}
	}

	var group, groupCtx = errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		var srv = &http.Server{Addr: cfg.MetricsAddr, Handler: newAPIServer(cfg, manager, parser, logger)}
		group.Go(func() error {
			log.WithField("addr", cfg.MetricsAddr).Info("serving replica API")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if o.statusInterval > 0 {
		group.Go(func() error {
			reportStatus(groupCtx, manager, o.statusInterval)
			return nil
		})
	}
	if cfg.SearchSpaceID > 0 {
		group.Go(func() error {
			followDocuments(groupCtx, manager, cfg.SearchSpaceID)
			return nil
		})
	}
	if watcher != nil {
		group.Go(func() error { return watcher.Run(groupCtx) })
	} else {
		group.Go(func() error {
			if _, err := lifecycle.InitReplica(groupCtx, userID); err != nil {
				return fmt.Errorf("initializing replica of %s: %w", userID, err)
			}
			<-groupCtx.Done()
			return nil
		})
	}

	err = group.Wait()
	log.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := manager.Close(closeCtx); err == nil {
		err = cerr
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func newTransport(cfg *config.Config, tokens shapesync.TokenSource, logger log.FieldLogger) (shapesync.Transport, error) {
	transport, err := shapesync.NewTransport(cfg.SyncURL, shapesync.TransportOptions{Token: tokens, Logger: logger})
	if err != nil {
		return nil, err
	}
	if h, ok := transport.(*shapesync.HTTPTransport); ok {
		h.WithRequestTimeout(cfg.HTTPTimeout)
	}
	return transport, nil
}

// newAPIServer serves the replica API and prometheus metrics. Bearer tokens
// are required when session keys are configured.
func newAPIServer(cfg *config.Config, manager *lifecycle.Manager, parser *lifecycle.SessionParser, logger log.FieldLogger) *httpapi.Server {
	var registry = prometheus.NewRegistry()
	registry.MustRegister(metrics.ReplicaCollectors()...)

	var apiCfg = httpapi.ServerConfig{
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		QueryTimeout: cfg.HTTPTimeout,
		Logger:       logger,
	}
	if cfg.SessionKeys != "" {
		apiCfg.Sessions = parser
	}
	return httpapi.NewServer(manager, apiCfg)
}

// reportStatus periodically logs the sync status of each open shape.
func reportStatus(ctx context.Context, manager *lifecycle.Manager, interval time.Duration) {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		client, ok := manager.Current()
		if !ok {
			continue
		}
		for _, st := range client.Engine().Status() {
			var fields = log.Fields{
				"user":      client.UserID(),
				"table":     st.Table,
				"where":     st.Where,
				"upToDate":  st.UpToDate,
				"applied":   humanize.Comma(int64(st.Stats.Applied)),
				"batches":   humanize.Comma(int64(st.Stats.Batches)),
				"offset":    st.Stats.LastOffset,
				"lastBatch": "never",
			}
			if !st.Stats.LastBatchAt.IsZero() {
				fields["lastBatch"] = humanize.Time(st.Stats.LastBatchAt)
			}
			if st.Err != nil {
				fields["err"] = st.Err
				log.WithFields(fields).Warn("shape status")
			} else {
				log.WithFields(fields).Info("shape status")
			}
		}
	}
}

// followDocuments logs the document count of a search space as it changes.
func followDocuments(ctx context.Context, manager *lifecycle.Manager, searchSpaceID int64) {
	var docs = features.Documents(manager, searchSpaceID, livequery.Options{})
	docs.Attach(ctx)
	defer docs.Detach()

	var last = -1
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-docs.Updates():
			var rows = docs.Decode(update)
			if rows.Err != nil {
				log.WithField("err", rows.Err).Warn("reading documents failed")
				continue
			}
			if rows.NotReady || len(rows.Rows) == last {
				continue
			}
			last = len(rows.Rows)
			log.WithFields(log.Fields{
				"searchSpace": searchSpaceID,
				"documents":   humanize.Comma(int64(last)),
				"degraded":    rows.Degraded,
			}).Info("documents changed")
		}
	}
}
