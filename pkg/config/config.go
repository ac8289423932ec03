// Package config defines the gateway's command-line surface: every flag in
// spec.md §6 plus the ambient flags the full implementation adds for
// attestation, caching, and logging.
package config

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// Args is the fully parsed, validated configuration for one gateway
// process.
type Args struct {
	Address              string
	Indeterminate        bool
	Target               string
	LocalKey             bool
	MaaURL               string
	KmsURL               string
	InjectRequestHeaders []string
	AttestationBinary    string
	TokenCacheRedisAddr  string
	ReceiptLedgerPath    string
	LogLevel             string
}

// Flags is the urfave/cli flag set backing Args, named and defaulted per
// spec.md §6.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "address",
			Value:   "0.0.0.0:9443",
			Usage:   "bind socket for the HTTP surface",
			EnvVars: []string{"OHTTP_ADDRESS"},
		},
		&cli.BoolFlag{
			Name:    "indeterminate",
			Aliases: []string{"n"},
			Usage:   "use indeterminate-length bHTTP framing for response chunks",
			EnvVars: []string{"OHTTP_INDETERMINATE"},
		},
		&cli.StringFlag{
			Name:    "target",
			Aliases: []string{"t"},
			Value:   "http://127.0.0.1:8000",
			Usage:   "backend base URL the decapsulated request is replayed against",
			EnvVars: []string{"OHTTP_TARGET"},
		},
		&cli.BoolFlag{
			Name:    "local-key",
			Aliases: []string{"l"},
			Usage:   "skip KMS entirely; generate a kid=0 key pair at startup",
			EnvVars: []string{"OHTTP_LOCAL_KEY"},
		},
		&cli.StringFlag{
			Name:    "maa-url",
			Aliases: []string{"m"},
			Usage:   "attestation endpoint override",
			EnvVars: []string{"OHTTP_MAA_URL"},
		},
		&cli.StringFlag{
			Name:    "kms-url",
			Aliases: []string{"s"},
			Usage:   "KMS endpoint override",
			EnvVars: []string{"OHTTP_KMS_URL"},
		},
		&cli.StringSliceFlag{
			Name:    "inject-request-headers",
			Aliases: []string{"i"},
			Usage:   "outer header names to forward into the decapsulated inner request (repeatable)",
			EnvVars: []string{"OHTTP_INJECT_REQUEST_HEADERS"},
		},
		&cli.StringFlag{
			Name:    "attestation-binary",
			Usage:   "path to the CVM guest-attestation CLI (ignored in --local-key mode)",
			Value:   "/usr/bin/az-cvm-attest",
			EnvVars: []string{"OHTTP_ATTESTATION_BINARY"},
		},
		&cli.StringFlag{
			Name:    "token-cache-redis-addr",
			Usage:   "Redis address for the fleet-wide attestation token cache (empty disables it)",
			EnvVars: []string{"OHTTP_TOKEN_CACHE_REDIS_ADDR"},
		},
		&cli.StringFlag{
			Name:    "receipt-ledger-path",
			Usage:   "Badger data directory for the KMS receipt audit ledger (empty disables it)",
			EnvVars: []string{"OHTTP_RECEIPT_LEDGER_PATH"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "zap log level: debug, info, warn, error",
			EnvVars: []string{"OHTTP_LOG_LEVEL"},
		},
	}
}

// Parse reads an Args out of a cli.Context, applying the one cross-flag
// validation rule the flag set alone cannot express: --kms-url is required
// unless --local-key is set, since there is then nothing to dial.
func Parse(c *cli.Context) (Args, error) {
	args := Args{
		Address:              c.String("address"),
		Indeterminate:        c.Bool("indeterminate"),
		Target:               c.String("target"),
		LocalKey:             c.Bool("local-key"),
		MaaURL:               c.String("maa-url"),
		KmsURL:               c.String("kms-url"),
		InjectRequestHeaders: c.StringSlice("inject-request-headers"),
		AttestationBinary:    c.String("attestation-binary"),
		TokenCacheRedisAddr:  c.String("token-cache-redis-addr"),
		ReceiptLedgerPath:    c.String("receipt-ledger-path"),
		LogLevel:             c.String("log-level"),
	}

	if !args.LocalKey && args.KmsURL == "" {
		return Args{}, fmt.Errorf("config: --kms-url is required unless --local-key is set")
	}

	return args, nil
}
