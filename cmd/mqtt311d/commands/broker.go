package commands

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/time/rate"

	"github.com/vitalvas/mqtt311"
	"github.com/vitalvas/mqtt311/extensions/badgerstore"
	"github.com/vitalvas/mqtt311/extensions/gnetserver"
	"github.com/vitalvas/mqtt311/extensions/mongostore"
	"github.com/vitalvas/mqtt311/internal/config"
)

const shutdownTimeout = 10 * time.Second

// broker is a configured server with its listeners and storage. Runners
// block until stopped; closers run in reverse order on shutdown.
type broker struct {
	server  *mqtt311.Server
	metrics *mqtt311.MemoryMetrics
	log     *slog.Logger

	runners []func() error
	stops   []func(context.Context) error
	closers []func(context.Context) error
}

func newBroker(ctx context.Context, cfg *config.Config, logger mqtt311.Logger, slogger *slog.Logger) (*broker, error) {
	b := &broker{
		metrics: mqtt311.NewMemoryMetrics(),
		log:     slogger,
	}

	store, err := b.openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	opts, err := serverOptions(cfg, logger, b.metrics)
	if err != nil {
		b.close(ctx)
		return nil, err
	}
	if store != nil {
		opts = append(opts, mqtt311.WithSessionStore(store))
	}
	b.server = mqtt311.NewServer(opts...)

	for i, lc := range cfg.Listeners {
		if err := b.addListener(lc); err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("listeners[%d] (%s): %w", i, lc.Type, err)
		}
	}
	return b, nil
}

func serverOptions(cfg *config.Config, logger mqtt311.Logger, metrics mqtt311.Metrics) ([]mqtt311.ServerOption, error) {
	lim := cfg.Limits
	opts := []mqtt311.ServerOption{
		mqtt311.WithLogger(logger),
		mqtt311.WithMetrics(metrics),
		mqtt311.WithMaxConnections(lim.MaxConnections),
		mqtt311.WithMaxPacketSize(lim.MaxPacketSize),
		mqtt311.WithMaxQoS(lim.MaxQoSOrDefault()),
		mqtt311.WithMaxInflight(lim.MaxInflight),
		mqtt311.WithConnectTimeout(lim.ConnectTimeout),
		mqtt311.WithWriteTimeout(lim.WriteTimeout),
		mqtt311.WithClientIDAssignment(lim.AssignClientIDs),
	}
	if lim.ServerKeepAlive > 0 {
		opts = append(opts, mqtt311.WithServerKeepAlive(lim.ServerKeepAlive))
	}
	if lim.PublishRate > 0 {
		opts = append(opts, mqtt311.WithPublishRateLimit(rate.Limit(lim.PublishRate), lim.PublishBurst))
	}

	if len(cfg.Auth.Users) > 0 || !cfg.Auth.Anonymous {
		auth := mqtt311.NewStaticAuthenticator(cfg.Auth.Anonymous)
		for _, u := range cfg.Auth.Users {
			if err := auth.AddUser(u.Username, u.PasswordHash); err != nil {
				return nil, fmt.Errorf("auth user %q: %w", u.Username, err)
			}
		}
		opts = append(opts, mqtt311.WithAuthenticator(auth))
	}

	if len(cfg.ACL) > 0 {
		authz, err := mqtt311.NewACLAuthorizer(cfg.ACLRules()...)
		if err != nil {
			return nil, fmt.Errorf("acl: %w", err)
		}
		opts = append(opts, mqtt311.WithAuthorizer(authz))
	}

	return opts, nil
}

// openStore returns nil for the memory backend: sessions are then kept by
// the server itself and lost on restart.
func (b *broker) openStore(ctx context.Context, sc config.StorageConfig) (mqtt311.SessionStore, error) {
	switch sc.Type {
	case config.StorageBadger:
		store, err := badgerstore.Open(badgerstore.Options{Dir: sc.Badger.Dir})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func(context.Context) error { return store.Close() })
		return store, nil

	case config.StorageMongo:
		connectCtx, cancel := context.WithTimeout(ctx, sc.Mongo.Timeout)
		defer cancel()

		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(sc.Mongo.URI).SetAppName("mqtt311d"))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		b.closers = append(b.closers, client.Disconnect)

		if err := client.Ping(connectCtx, nil); err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("ping mongo: %w", err)
		}

		coll := client.Database(sc.Mongo.Database).Collection(sc.Mongo.Collection)
		store, err := mongostore.New(connectCtx, coll, mongostore.WithOperationTimeout(sc.Mongo.Timeout))
		if err != nil {
			b.close(ctx)
			return nil, err
		}
		return store, nil

	default:
		return nil, nil
	}
}

func loadTLS(lc config.ListenerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(lc.CertFile, lc.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (b *broker) addListener(lc config.ListenerConfig) error {
	switch lc.Type {
	case config.ListenerTCP:
		l, err := mqtt311.NewTCPListener(lc.Address)
		if err != nil {
			return err
		}
		b.serve(l)

	case config.ListenerTLS:
		tlsConfig, err := loadTLS(lc)
		if err != nil {
			return err
		}
		l, err := mqtt311.NewTLSListener(lc.Address, tlsConfig)
		if err != nil {
			return err
		}
		b.serve(l)

	case config.ListenerUnix:
		l, err := mqtt311.NewUnixListener(lc.Path)
		if err != nil {
			return err
		}
		b.serve(l)

	case config.ListenerQUIC:
		tlsConfig, err := loadTLS(lc)
		if err != nil {
			return err
		}
		l, err := mqtt311.NewQUICListener(lc.Address, tlsConfig, nil)
		if err != nil {
			return err
		}
		b.serve(l)

	case config.ListenerWebSocket:
		return b.addWebSocket(lc)

	case config.ListenerGnet:
		gs := gnetserver.New(b.server, lc.Address,
			gnetserver.WithMulticore(lc.Multicore),
			gnetserver.WithReusePort(lc.ReusePort),
		)
		b.log.Info("listening", "type", lc.Type, "addr", lc.Address)
		b.runners = append(b.runners, gs.Run)
		b.stops = append(b.stops, gs.Stop)

	default:
		return config.ErrUnknownListener
	}
	return nil
}

// serve runs l on the broker. Server.Close closes it.
func (b *broker) serve(l mqtt311.Listener) {
	b.runners = append(b.runners, func() error {
		return b.server.Serve(l)
	})
}

func (b *broker) addWebSocket(lc config.ListenerConfig) error {
	ws := mqtt311.NewWSHandler(b.server)
	ws.AllowedOrigins = lc.AllowedOrigins

	mux := http.NewServeMux()
	mux.Handle(lc.Path, ws)

	hs := &http.Server{
		Addr:              lc.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if lc.TLS() {
		tlsConfig, err := loadTLS(lc)
		if err != nil {
			return err
		}
		hs.TLSConfig = tlsConfig
	}

	b.log.Info("listening", "type", lc.Type, "addr", lc.Address, "path", lc.Path, "tls", lc.TLS())
	b.runners = append(b.runners, func() error {
		var err error
		if hs.TLSConfig != nil {
			err = hs.ListenAndServeTLS("", "")
		} else {
			err = hs.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	b.stops = append(b.stops, hs.Shutdown)
	return nil
}

// run starts every listener and blocks until ctx is done or one of them
// fails, then shuts everything down.
func (b *broker) run(ctx context.Context) error {
	if err := b.server.Start(); err != nil {
		return err
	}

	errCh := make(chan error, len(b.runners))
	for _, run := range b.runners {
		go func() {
			errCh <- run()
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, mqtt311.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Join(runErr, b.shutdown(shutdownCtx))
}

func (b *broker) shutdown(ctx context.Context) error {
	var errs []error
	for _, stop := range b.stops {
		if err := stop(ctx); err != nil && !errors.Is(err, gnetserver.ErrNotRunning) {
			errs = append(errs, err)
		}
	}
	if err := b.server.Close(); err != nil {
		errs = append(errs, err)
	}

	b.log.Info("broker stopped", "stats", b.metrics.Snapshot())
	errs = append(errs, b.close(ctx))
	return errors.Join(errs...)
}

func (b *broker) close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
