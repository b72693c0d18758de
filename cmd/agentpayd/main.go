// Command agentpayd runs the settlement engine as a standalone service:
// a SQLite-backed ledger, in-process agent and SKU registries, and the
// JSON API facilitators and resource servers settle against.
package main

import (
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strconv"

	agentpay "github.com/agentpay/agentpay"
	"github.com/agentpay/agentpay/events"
	agentpayhttp "github.com/agentpay/agentpay/http"
	"github.com/agentpay/agentpay/ledger"
	"github.com/agentpay/agentpay/registry"
	"github.com/agentpay/agentpay/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type config struct {
	ListenAddr   string
	DatabasePath string

	ChainID      int64
	TokenName    string
	TokenVersion string
	TokenAddress common.Address

	Receiver    common.Address
	Treasury    common.Address
	Facilitator common.Address
	Admin       common.Address

	FeeBasisPoints uint32
	JWTSecret      string
}

func loadConfig() (config, error) {
	// Missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	cfg := config{
		ListenAddr:   envOr("AGENTPAY_LISTEN", ":8402"),
		DatabasePath: envOr("AGENTPAY_DB", "agentpay.db"),
		TokenName:    envOr("AGENTPAY_TOKEN_NAME", "USD Coin"),
		TokenVersion: envOr("AGENTPAY_TOKEN_VERSION", "2"),
	}

	chainID, err := strconv.ParseInt(envOr("AGENTPAY_CHAIN_ID", "8453"), 10, 64)
	if err != nil {
		return config{}, fmt.Errorf("invalid AGENTPAY_CHAIN_ID: %w", err)
	}
	cfg.ChainID = chainID

	bps, err := strconv.ParseUint(envOr("AGENTPAY_FEE_BPS", "250"), 10, 32)
	if err != nil {
		return config{}, fmt.Errorf("invalid AGENTPAY_FEE_BPS: %w", err)
	}
	if bps > agentpay.MaxFeeBasisPoints {
		return config{}, fmt.Errorf("AGENTPAY_FEE_BPS %d exceeds maximum %d", bps, agentpay.MaxFeeBasisPoints)
	}
	cfg.FeeBasisPoints = uint32(bps)

	for _, field := range []struct {
		name string
		dst  *common.Address
	}{
		{"AGENTPAY_TOKEN_ADDRESS", &cfg.TokenAddress},
		{"AGENTPAY_RECEIVER", &cfg.Receiver},
		{"AGENTPAY_TREASURY", &cfg.Treasury},
		{"AGENTPAY_FACILITATOR", &cfg.Facilitator},
		{"AGENTPAY_ADMIN", &cfg.Admin},
	} {
		raw := os.Getenv(field.name)
		if !common.IsHexAddress(raw) {
			return config{}, fmt.Errorf("%s must be a hex address, got %q", field.name, raw)
		}
		*field.dst = common.HexToAddress(raw)
	}

	cfg.JWTSecret = os.Getenv("AGENTPAY_JWT_SECRET")
	if cfg.JWTSecret == "" {
		return config{}, fmt.Errorf("AGENTPAY_JWT_SECRET is required")
	}

	return cfg, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("configuration error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, err := ledger.OpenSQLite(cfg.DatabasePath, agentpay.FeeConfig{
		FeeBasisPoints: cfg.FeeBasisPoints,
		Treasury:       cfg.Treasury,
	})
	if err != nil {
		logger.Error("failed to open ledger", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	agents := registry.NewAgentRegistry()
	skus := registry.NewSKURegistry()

	asset := token.New(token.Domain{
		Name:              cfg.TokenName,
		Version:           cfg.TokenVersion,
		ChainID:           big.NewInt(cfg.ChainID),
		VerifyingContract: cfg.TokenAddress,
	})

	engine := agentpay.NewEngine(
		store,
		skus,
		agents,
		asset,
		cfg.Receiver,
		agentpay.WithCapabilities(agentpay.StaticRoles{
			Facilitator: cfg.Facilitator,
			Admin:       cfg.Admin,
		}),
		agentpay.WithEventSink(events.NewSlogSink(logger)),
	)

	server := agentpayhttp.NewServer(engine, []byte(cfg.JWTSecret),
		agentpayhttp.WithLogger(logger),
		agentpayhttp.WithRegistries(agents, skus),
	)

	logger.Info("agentpayd listening",
		slog.String("addr", cfg.ListenAddr),
		slog.String("db", cfg.DatabasePath),
		slog.Int64("chain_id", cfg.ChainID),
		slog.String("token", cfg.TokenAddress.Hex()))

	if err := server.Router().Run(cfg.ListenAddr); err != nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
