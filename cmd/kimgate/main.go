package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openkim/kimgate/cache"
	"github.com/openkim/kimgate/config"
	"github.com/openkim/kimgate/httpapi"
	"github.com/openkim/kimgate/journal"
	"github.com/openkim/kimgate/kas"
	"github.com/openkim/kimgate/konnektor"
	"github.com/openkim/kimgate/logger"
	"github.com/openkim/kimgate/pipeline"
	"github.com/openkim/kimgate/server/pop3"
)

func main() {
	configPath := flag.String("config", "kimgate.toml", "path to the configuration file")
	encodeVault := flag.String("encode-vault", "", "encode a plaintext secrets JSON file into vault format and exit")
	flag.Parse()

	if *encodeVault != "" {
		if err := encodeVaultFile(*encodeVault); err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode vault: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	store, err := buildStore(cfg.KAS)
	if err != nil {
		logger.Fatal("failed to build attachment store", "error", err)
	}

	var attachmentCache *cache.Cache
	if cfg.Cache.Path != "" {
		attachmentCache, err = cache.New(cfg.Cache.Path, cfg.Cache.Capacity, cfg.Cache.MaxObjectSize, 1*time.Hour)
		if err != nil {
			logger.Fatal("failed to open attachment cache", "error", err)
		}
		defer attachmentCache.Close()
		attachmentCache.StartPurgeLoop(appCtx)
	}

	var auditJournal *journal.Journal
	if cfg.Journal.Path != "" {
		auditJournal, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			logger.Fatal("failed to open audit journal", "error", err)
		}
		defer auditJournal.Close()
	}

	collab, err := buildCollaborators(cfg)
	if err != nil {
		logger.Fatal("failed to build transport services", "error", err)
	}

	registry, err := buildRegistry(cfg, store, attachmentCache, collab)
	if err != nil {
		logger.Fatal("failed to build operation registry", "error", err)
	}

	gateway, err := pop3.New(appCtx, cfg, registry, auditJournal)
	if err != nil {
		logger.Fatal("failed to build POP3 gateway", "error", err)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- gateway.Start()
	}()

	var api *httpapi.Server
	if cfg.HTTPAPI.Addr != "" {
		api = httpapi.New(cfg.HTTPAPI, auditJournal)
		go func() {
			errCh <- api.Start()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	gateway.Stop()
	if api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		api.Stop(shutdownCtx)
		cancel()
	}
	appCancel()
	logger.Info("shutdown complete")
}

func buildStore(cfg config.KASConfig) (kas.Store, error) {
	switch cfg.Backend {
	case "", "http":
		return kas.NewHTTPStore(cfg.Endpoint), nil
	case "s3":
		return kas.NewS3Store(cfg.Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseTLS)
	default:
		return nil, fmt.Errorf("unknown kas backend %q", cfg.Backend)
	}
}

// buildRegistry wires the pipeline operations. The offload operations are
// always present; the Konnektor crypto operations join when a transport is
// linked and configured. Without one, RETR serves the stored message with
// only the offload pipeline applied.
func buildRegistry(cfg config.Config, store kas.Store, attachmentCache *cache.Cache, collab collaborators) (*pipeline.Registry, error) {
	registry := pipeline.NewRegistry()

	expiry, err := cfg.KAS.GetExpiry()
	if err != nil {
		return nil, err
	}

	incoming := &kas.Incoming{Store: store}
	if attachmentCache != nil {
		incoming.Cache = attachmentCache
	}
	registry.Register(incoming)

	registry.Register(&kas.Outgoing{
		Store:     store,
		Resolver:  collab.resolver,
		Threshold: cfg.KAS.GetThreshold(),
		Expiry:    expiry,
		TempDir:   os.TempDir(),
	})

	if collab.cardService != nil && collab.cryptoService != nil {
		selector := konnektor.NewSelector(konnektor.New("konnektor", collab.cardService))
		registry.Register(selector)
		registry.Register(&konnektor.DecryptVerify{Crypto: collab.cryptoService, Selector: selector})
		registry.Register(&konnektor.SignEncrypt{Crypto: collab.cryptoService, Selector: selector})
	}

	return registry, nil
}

// encodeVaultFile converts a plaintext secrets JSON file into the obfuscated
// vault format, writing the result next to the input as <path>.vault.
func encodeVaultFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	secrets, err := config.ParseSecrets(data)
	if err != nil {
		return err
	}
	encoded, err := config.EncodeVault(secrets)
	if err != nil {
		return err
	}
	out := path + ".vault"
	if err := os.WriteFile(out, encoded, 0600); err != nil {
		return err
	}
	fmt.Printf("vault written to %s\n", out)
	return nil
}
