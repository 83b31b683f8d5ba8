package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/nornicqe/pkg/auth"
	"github.com/orneryd/nornicqe/pkg/bolt"
	"github.com/orneryd/nornicqe/pkg/config"
	"github.com/orneryd/nornicqe/pkg/dbms"
	"github.com/orneryd/nornicqe/pkg/encryption"
	"github.com/orneryd/nornicqe/pkg/memory"
	"github.com/orneryd/nornicqe/pkg/pool"
	"github.com/orneryd/nornicqe/pkg/query"
	"github.com/orneryd/nornicqe/pkg/querylog"
	"github.com/orneryd/nornicqe/pkg/replication"
	"github.com/orneryd/nornicqe/pkg/sched"
	"github.com/orneryd/nornicqe/pkg/server"
	"github.com/orneryd/nornicqe/pkg/storage"
)

// loadConfig reads --config and applies the command's flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Database.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("in-memory") {
		cfg.Database.InMemory, _ = cmd.Flags().GetBool("in-memory")
	}
	if cmd.Flags().Lookup("bolt-port") != nil && cmd.Flags().Changed("bolt-port") {
		cfg.Server.BoltPort, _ = cmd.Flags().GetInt("bolt-port")
	}
	if cmd.Flags().Lookup("no-auth") != nil {
		if noAuth, _ := cmd.Flags().GetBool("no-auth"); noAuth {
			cfg.Auth.Enabled = false
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if err := cfg.Logging.ApplyLogging(); err != nil {
		return nil, err
	}
	cfg.Memory.ApplyRuntimeMemory()
	pool.Configure(pool.Config{Enabled: cfg.Memory.ObjectPooling})
	return cfg, nil
}

// instance is everything a running engine owns, shared by serve and shell.
type instance struct {
	engine      *storage.Engine
	dbms        *dbms.Manager
	auth        *auth.Authenticator
	queryLog    *querylog.Logger
	replication *replication.Manager
	qctx        *query.Context
	advertised  string
}

func openInstance(cfg *config.Config) (*instance, error) {
	iso, err := cfg.Database.Isolation()
	if err != nil {
		return nil, err
	}
	if !cfg.Database.InMemory {
		if err := os.MkdirAll(cfg.Database.DataDir, 0755); err != nil {
			return nil, errors.Wrap(err, "creating data directory")
		}
	}
	var key []byte
	if cfg.Database.EncryptionPassword != "" {
		if key, err = encryption.StorageKey(cfg.Database.DataDir, cfg.Database.EncryptionPassword, 0); err != nil {
			return nil, err
		}
	}
	engine, err := storage.Open(storage.Options{
		DataDir:               cfg.Database.DataDir,
		InMemory:              cfg.Database.InMemory,
		SyncWrites:            cfg.Database.SyncWrites,
		DefaultIsolation:      iso,
		EncryptionKey:         key,
		EncryptionKeyRotation: cfg.Database.EncryptionKeyRotation,
	})
	if err != nil {
		return nil, err
	}
	inst := &instance{engine: engine}

	if inst.dbms, err = dbms.NewManager(engine, cfg.Database.DefaultDatabase); err != nil {
		inst.Close()
		return nil, err
	}

	inst.auth, err = auth.NewAuthenticator(auth.AuthConfig{
		MinPasswordLength: cfg.Auth.MinPasswordLength,
		BcryptCost:        cfg.Auth.BcryptCost,
		MaxFailedLogins:   cfg.Auth.MaxFailedLogins,
		LockoutDuration:   cfg.Auth.LockoutDuration,
		SecurityEnabled:   cfg.Auth.Enabled,
	})
	if err != nil {
		inst.Close()
		return nil, errors.Wrap(err, "creating authenticator")
	}
	if cfg.Auth.Enabled {
		if _, err := inst.auth.CreateUser(cfg.Auth.InitialUsername, cfg.Auth.InitialPassword, []auth.Role{auth.RoleAdmin}); err != nil {
			inst.Close()
			return nil, errors.Wrap(err, "creating initial admin")
		}
	}

	inst.queryLog, err = querylog.NewLogger(querylog.Config{
		Enabled:    cfg.Logging.QueryLogEnabled,
		LogPath:    cfg.Logging.QueryLogPath,
		SyncWrites: cfg.Database.SyncWrites,
	})
	if err != nil {
		inst.Close()
		return nil, err
	}

	inst.replication = replication.NewManager()
	for _, rc := range cfg.Replication.Replicas {
		if err := inst.replication.Register(replication.NewHTTPClient(rc)); err != nil {
			inst.Close()
			return nil, err
		}
	}

	inst.advertised = cfg.Server.AdvertisedAddress
	if inst.advertised == "" {
		inst.advertised = net.JoinHostPort("localhost", strconv.Itoa(cfg.Server.BoltPort))
	}
	inst.qctx, err = query.NewContext(query.ContextConfig{
		DBMS:     inst.dbms,
		Auth:     inst.auth,
		Upstream: memory.NewUpstream(cfg.Memory.QueryMemoryLimit),
		Memory: memory.Options{
			BlocksPerChunk:       cfg.Memory.PoolBlocksPerChunk,
			MaxBlockSize:         cfg.Memory.PoolMaxBlockSize,
			MonotonicInitialSize: cfg.Memory.MonotonicInitialSize,
			Profile:              cfg.Memory.ProfileAllocations,
		},
		AdvertisedAddress:  inst.advertised,
		Replication:        inst.replication,
		QueryLog:           inst.queryLog,
		TransactionTimeout: cfg.Database.TransactionTimeout,
		PlanCacheSize:      cfg.Memory.PlanCacheSize,
		PlanCacheTTL:       cfg.Memory.PlanCacheTTL,
	})
	if err != nil {
		inst.Close()
		return nil, err
	}
	return inst, nil
}

// Close releases everything in reverse order of creation.
func (inst *instance) Close() {
	if inst.qctx != nil {
		inst.qctx.Shutdown()
	}
	if inst.replication != nil {
		inst.replication.Shutdown()
	}
	if inst.queryLog != nil {
		if err := inst.queryLog.Close(); err != nil {
			log.WithError(err).Warn("[Server] closing query log")
		}
	}
	if err := inst.engine.Close(); err != nil {
		log.WithError(err).Warn("[Server] closing storage engine")
	}
}

// httpConfig maps the HTTP API settings; ok is false when it is disabled.
func httpConfig(cfg *config.Config, inst *instance) (*server.Config, bool, error) {
	if cfg.Server.HTTPAddress == "" {
		return nil, false, nil
	}
	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddress)
	if err != nil {
		return nil, false, errors.Wrapf(err, "invalid http address %q", cfg.Server.HTTPAddress)
	}
	sc := server.DefaultConfig()
	if host != "" {
		sc.Address = host
	}
	if sc.Port, err = strconv.Atoi(port); err != nil {
		return nil, false, errors.Wrapf(err, "invalid http port %q", port)
	}
	if cfg.Server.ReadTimeout > 0 {
		sc.ReadTimeout = cfg.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout > 0 {
		sc.WriteTimeout = cfg.Server.WriteTimeout
	}
	if cfg.Server.HTTPTransactionTimeout > 0 {
		sc.TransactionTimeout = cfg.Server.HTTPTransactionTimeout
	}
	sc.BoltAddress = inst.advertised
	sc.Authenticator = inst.auth
	return sc, true, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.WithField("config", cfg.String()).Infof("[Server] starting nornicqe v%s", version)

	inst, err := openInstance(cfg)
	if err != nil {
		return err
	}
	defer inst.Close()

	workers := sched.New(cfg.Server.Workers)
	defer workers.Close()

	boltCfg := bolt.DefaultConfig()
	boltCfg.Address = cfg.Server.BoltAddress
	boltCfg.Port = cfg.Server.BoltPort
	boltCfg.MaxConnections = cfg.Server.MaxConnections
	boltCfg.WriteTimeout = cfg.Server.WriteTimeout
	boltCfg.ServerAgent = "nornicqe/" + version
	boltCfg.Authenticator = inst.auth
	boltServer := bolt.New(boltCfg, inst.qctx, workers)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := boltServer.ListenAndServe()
		if boltServer.IsClosed() {
			return nil
		}
		return errors.Wrap(err, "bolt server")
	})

	var httpServer *server.Server
	if hc, ok, err := httpConfig(cfg, inst); err != nil {
		return err
	} else if ok {
		if httpServer, err = server.New(inst.qctx, workers, hc); err != nil {
			return err
		}
		if err := httpServer.Start(); err != nil {
			return err
		}
	}

	g.Go(func() error {
		inst.replication.RunHealthChecks(ctx, cfg.Replication.HealthCheckInterval)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("[Server] shutting down")
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Stop(shutdownCtx); err != nil {
				log.WithError(err).Warn("[Server] HTTP API shutdown")
			}
		}
		return boltServer.Close()
	})

	fmt.Fprintf(cmd.OutOrStdout(), "nornicqe is ready on bolt://%s:%d\n", cfg.Server.BoltAddress, cfg.Server.BoltPort)
	if httpServer != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "HTTP API on http://%s\n", httpServer.Addr())
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("[Server] stopped")
	return nil
}
