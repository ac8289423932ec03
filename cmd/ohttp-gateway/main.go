package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Layr-Labs/eigenx-ohttp-gateway/internal/bhttp"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/attestation"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/config"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/gateway"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/keyconfig"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/keyprovider"
	"github.com/Layr-Labs/eigenx-ohttp-gateway/pkg/server"
)

func main() {
	app := &cli.App{
		Name:  "ohttp-gateway",
		Usage: "Oblivious HTTP relay endpoint",
		Description: `Decapsulates OHTTP-encapsulated requests, replays them against a
backend HTTP service, and streams the response back re-encapsulated.

Key material is either minted locally (--local-key, for development) or
fetched from a KMS behind CVM guest attestation.`,
		Flags:  config.Flags(),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ohttp-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	args, err := config.Parse(c)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, err := newLogger(args.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	sugar := logger.Sugar()

	mode := bhttp.KnownLength
	if args.Indeterminate {
		mode = bhttp.IndeterminateLength
	}

	engineCfg := gateway.Config{
		LocalKeyOnly:  args.LocalKey,
		Target:        args.Target,
		InjectHeaders: args.InjectRequestHeaders,
		Mode:          mode,
		Client:        http.DefaultClient,
		Logger:        sugar,
	}

	var discoverKey keyconfig.KeyConfig

	if args.LocalKey {
		localConfig, err := keyconfig.GenerateLocal()
		if err != nil {
			return fmt.Errorf("failed to mint local key: %w", err)
		}
		engineCfg.LocalConfig = localConfig
		discoverKey = localConfig

		devKey, err := crypto.GenerateKey()
		if err != nil {
			return fmt.Errorf("failed to mint dev attestor key: %w", err)
		}
		engineCfg.LocalAttestor = attestation.NewDevAttestor(devKey)

		sugar.Infow("running in local-key mode", "kid", localConfig.KID)
	} else {
		resolver, cleanup, err := buildResolver(args, sugar)
		if err != nil {
			return fmt.Errorf("failed to build key resolver: %w", err)
		}
		defer cleanup()
		engineCfg.Resolver = resolver
	}

	engine := gateway.New(engineCfg)

	srv := server.New(server.Config{
		Addr:         args.Address,
		Engine:       engine,
		LocalKeyOnly: args.LocalKey,
		DiscoverKey:  discoverKey,
		Logger:       sugar,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sugar.Infow("shutting down")
		return srv.Stop()
	}
}

// buildResolver wires a keyprovider.Provider plus its optional caches into
// a gateway.KeyResolver, and returns a cleanup func that closes whichever
// optional stores were actually opened.
func buildResolver(args config.Args, logger *zap.SugaredLogger) (gateway.KeyResolver, func(), error) {
	attestor := attestation.NewCVMAttestor(args.AttestationBinary, logger)

	// An attestation failure in remote-KMS mode is fatal at startup.
	if _, err := attestor.Attest(context.Background(), []byte("{}"), 0xFFFF, args.MaaURL); err != nil {
		return nil, nil, fmt.Errorf("startup attestation failed: %w", err)
	}

	cache, err := keyprovider.NewMemoryCache()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build memory cache: %w", err)
	}

	var tokens *keyprovider.TokenCache
	if args.TokenCacheRedisAddr != "" {
		tokens, err = keyprovider.NewTokenCache(keyprovider.TokenCacheConfig{Address: args.TokenCacheRedisAddr}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect token cache: %w", err)
		}
	}

	var receipts *keyprovider.ReceiptLedger
	if args.ReceiptLedgerPath != "" {
		receipts, err = keyprovider.NewReceiptLedger(args.ReceiptLedgerPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open receipt ledger: %w", err)
		}
	}

	provider := keyprovider.New(args.KmsURL, args.MaaURL, attestor, cache, tokens, receipts, logger)

	cleanup := func() {
		if tokens != nil {
			_ = tokens.Close()
		}
		if receipts != nil {
			_ = receipts.Close()
		}
	}

	return gateway.NewKeyResolver(provider), cleanup, nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}
