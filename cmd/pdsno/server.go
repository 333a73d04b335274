package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pdsno/pdsno/pkg/admission"
	"github.com/pdsno/pdsno/pkg/approval"
	"github.com/pdsno/pdsno/pkg/config"
	"github.com/pdsno/pdsno/pkg/controller"
	"github.com/pdsno/pdsno/pkg/crypto"
	"github.com/pdsno/pdsno/pkg/discovery"
	"github.com/pdsno/pdsno/pkg/discovery/probes"
	"github.com/pdsno/pdsno/pkg/envelope"
	"github.com/pdsno/pdsno/pkg/model"
	"github.com/pdsno/pdsno/pkg/nib"
	"github.com/pdsno/pdsno/pkg/observability"
	"github.com/pdsno/pdsno/pkg/transport"
)

func runServer(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "daemon")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ControllerID == "" {
		fmt.Fprintln(stderr, "PDSNO_CONTROLLER_ID is not set; run `pdsno admit` first and export the assigned identity")
		return 1
	}

	store, err := nib.Open(cfg.NIBDSN)
	if err != nil {
		fmt.Fprintf(stderr, "open nib: %v\n", err)
		return 1
	}
	defer store.Close()

	master, err := config.ReadSecret(cfg.MasterSecretFile)
	if err != nil {
		fmt.Fprintf(stderr, "master secret: %v\n", err)
		return 1
	}
	keyring, err := crypto.NewKeyring(master, time.Hour)
	if err != nil {
		fmt.Fprintf(stderr, "keyring: %v\n", err)
		return 1
	}
	key, err := loadIdentity(cfg.IdentitySeedFile)
	if err != nil {
		fmt.Fprintf(stderr, "identity: %v\n", err)
		return 1
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	// A shared Redis instance gives the fleet one replay window; otherwise
	// each process keeps its own bounded store.
	var nonces envelope.NonceStore
	if rdb != nil {
		nonces = envelope.NewRedisNonceStoreFromClient(rdb)
	} else {
		nonces = envelope.NewMemoryNonceStore(envelope.DefaultNonceCapacity)
	}
	auth := envelope.NewAuthenticator(nonces)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "pdsno",
		ServiceVersion: version,
		ControllerID:   cfg.ControllerID,
		Role:           string(cfg.Role),
		Region:         cfg.Region,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutCtx)
	}()
	if mem, ok := nonces.(*envelope.MemoryNonceStore); ok {
		obs.WatchNonceStore(mem)
	}

	// Routes for the HTTP fabric: the parent plus any PDSNO_PEERS entries.
	peers := parsePeers(os.Getenv("PDSNO_PEERS"))
	if cfg.ParentID != "" && cfg.ParentURL != "" {
		peers[cfg.ParentID] = cfg.ParentURL
	}
	resolver := func(recipientID string) (string, error) {
		if url, ok := peers[recipientID]; ok {
			return url, nil
		}
		return "", fmt.Errorf("no route to %s", recipientID)
	}

	var rt *controller.Runtime
	client := transport.NewClient(resolver, func(ctx context.Context, env *envelope.Envelope) error {
		return rt.Verify(ctx, env)
	})
	var broker transport.Publisher
	if rdb != nil {
		broker = transport.NewRedisPubSub(rdb, "pdsno", cfg.ControllerID)
	}
	bus := transport.NewBus()
	selector := transport.NewSelector(bus, client, broker)

	rt, err = controller.NewRuntime(cfg.ControllerID, cfg.Role, cfg.Region, store, keyring, auth, selector)
	if err != nil {
		fmt.Fprintf(stderr, "runtime: %v\n", err)
		return 1
	}
	bus.Register(cfg.ControllerID, func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		if err := rt.Verify(ctx, env); err != nil {
			return nil, err
		}
		return rt.Dispatch(ctx, env)
	})
	defer bus.Deregister(cfg.ControllerID)

	if err := wireRole(ctx, cfg, rt, store, key, logger); err != nil {
		fmt.Fprintf(stderr, "wire %s controller: %v\n", cfg.Role, err)
		return 1
	}

	srv := transport.NewServer(rt.VerifyDeferred, rt.Dispatch).WithNonceCommit(rt.CommitNonce)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "role", string(cfg.Role), "region", cfg.Region)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	rt.StartHeartbeats(ctx, cfg.HeartbeatInterval)

	<-ctx.Done()
	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutCtx)
	return 0
}

// wireRole attaches the role-specific subsystems to the runtime.
func wireRole(ctx context.Context, cfg *config.Config, rt *controller.Runtime, store *nib.Store, key *crypto.IdentityKey, logger *slog.Logger) error {
	bootstrapParent := func() (*admission.Parent, error) {
		secret, err := config.ReadSecret(cfg.BootstrapSecretFile)
		if err != nil {
			return nil, err
		}
		return admission.NewParent(cfg.ControllerID, cfg.Role, cfg.Region, store, secret, key)
	}

	switch cfg.Role {
	case model.RoleGlobal:
		parent, err := bootstrapParent()
		if err != nil {
			return err
		}
		classifier, err := loadClassifier(ctx, store, cfg)
		if err != nil {
			return err
		}
		engine, err := approval.NewEngine(cfg.ControllerID, model.RoleGlobal, store, classifier, key)
		if err != nil {
			return err
		}
		controller.NewGlobal(rt, parent, engine)
		return startMonitor(ctx, cfg, rt, logger)

	case model.RoleRegional:
		parent, err := bootstrapParent()
		if err != nil {
			return err
		}
		classifier, err := loadClassifier(ctx, store, cfg)
		if err != nil {
			return err
		}
		engine, err := approval.NewEngine(cfg.ControllerID, model.RoleRegional, store, classifier, key)
		if err != nil {
			return err
		}
		sink := discovery.NewSink(cfg.ControllerID, cfg.Region, store)
		reg := controller.NewRegional(rt, parent, engine, sink, cfg.ParentID)
		if _, err := reg.SubscribeDiscovery(ctx); err != nil {
			return fmt.Errorf("subscribe discovery: %w", err)
		}
		if _, err := controller.SubscribePolicy(ctx, rt); err != nil {
			return fmt.Errorf("subscribe policy: %w", err)
		}
		return startMonitor(ctx, cfg, rt, logger)

	case model.RoleLocal:
		prof, err := config.LoadProfile(cfg.ProfileDir, cfg.Region)
		if err != nil {
			return err
		}
		probeSet, err := probes.Build(prof.Probes)
		if err != nil {
			return err
		}
		events := func(ctx context.Context, e *model.Event) {
			if err := store.AppendEvent(ctx, e); err != nil {
				logger.Warn("discovery event not recorded", "event_type", e.EventType, "error", err)
			}
		}
		orch := discovery.NewOrchestrator(cfg.ControllerID, discovery.Target{
			Region: prof.Region,
			Subnet: prof.Subnet,
		}, probeSet, events)
		if prof.Discovery.Workers > 0 {
			orch.WithWorkers(prof.Discovery.Workers)
		}
		if prof.Discovery.AbsenceCycles > 0 {
			orch.WithAbsenceCycles(prof.Discovery.AbsenceCycles)
		}

		lookup := func(issuerID string) (string, error) {
			c, err := store.GetController(context.Background(), issuerID)
			if err != nil {
				return "", err
			}
			return c.PublicKey, nil
		}
		policyVer := prof.Policy.SemVer
		if policyVer == "" {
			if stored, err := store.GetPolicy(ctx, "classification"); err == nil {
				policyVer = stored.SemVer
			}
		}
		exec := approval.NewExecutor(cfg.ControllerID, store, lookup, key)
		loc := controller.NewLocal(rt, orch, exec, cfg.ParentID, policyVer)
		if _, err := controller.SubscribePolicy(ctx, rt); err != nil {
			return fmt.Errorf("subscribe policy: %w", err)
		}

		go func() {
			ticker := time.NewTicker(cfg.DiscoveryInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := loc.RunDiscoveryCycle(ctx); err != nil {
						logger.Error("discovery cycle failed", "error", err)
					}
				}
			}
		}()
		return nil

	default:
		return fmt.Errorf("unknown role %q", cfg.Role)
	}
}

// startMonitor tracks child liveness on the admitting tiers. Heartbeats are
// verified through the runtime before they count.
func startMonitor(ctx context.Context, cfg *config.Config, rt *controller.Runtime, logger *slog.Logger) error {
	monitor := controller.NewMonitor(cfg.HeartbeatInterval, func(controllerID string, suspect bool) {
		if suspect {
			logger.Warn("controller suspect", "controller_id", controllerID)
		} else {
			logger.Info("controller recovered", "controller_id", controllerID)
		}
	})
	if _, err := monitor.Run(ctx, rt); err != nil {
		return fmt.Errorf("start liveness monitor: %w", err)
	}
	return nil
}

// loadClassifier prefers the policy already in the NIB and falls back to
// seeding it from the region profile on first boot.
func loadClassifier(ctx context.Context, store *nib.Store, cfg *config.Config) (*approval.Classifier, error) {
	region := cfg.Region
	if region == "" {
		region = "global"
	}

	prof, profErr := config.LoadProfile(cfg.ProfileDir, region)
	policyID := "classification"
	if profErr == nil && prof.Policy.PolicyID != "" {
		policyID = prof.Policy.PolicyID
	}

	if stored, err := store.GetPolicy(ctx, policyID); err == nil {
		return approval.NewClassifier(stored)
	}
	if profErr != nil {
		return nil, fmt.Errorf("no stored policy %q and no profile for %s: %w", policyID, region, profErr)
	}

	policy := &model.Policy{
		PolicyID: prof.Policy.PolicyID,
		SemVer:   prof.Policy.SemVer,
		Rules:    prof.Policy.Rules,
	}
	if _, err := store.UpsertPolicy(ctx, policy, 0); err != nil {
		return nil, fmt.Errorf("seed policy: %w", err)
	}
	return approval.NewClassifier(policy)
}

// loadIdentity restores the controller keypair from its seed file, creating
// one on first boot.
func loadIdentity(path string) (*crypto.IdentityKey, error) {
	if data, err := config.ReadSecret(path); err == nil {
		seed, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("identity seed %s: %w", path, err)
		}
		return crypto.IdentityKeyFromSeed(seed)
	}

	key, err := crypto.NewIdentityKey()
	if err != nil {
		return nil, err
	}
	seed := hex.EncodeToString(key.Private().Seed())
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist identity seed: %w", err)
	}
	return key, nil
}

// parsePeers reads "id=url,id=url" into a routing table.
func parsePeers(raw string) map[string]string {
	peers := make(map[string]string)
	for _, item := range strings.Split(raw, ",") {
		id, url, ok := strings.Cut(strings.TrimSpace(item), "=")
		if ok && id != "" && url != "" {
			peers[id] = url
		}
	}
	return peers
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
