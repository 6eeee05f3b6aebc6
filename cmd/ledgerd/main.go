package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lienledger/config"
	nativecommon "lienledger/native/common"
	"lienledger/native/custody"
	"lienledger/native/ledger"
	"lienledger/native/marketplace"
	"lienledger/native/vault"
	"lienledger/observability/logging"
	"lienledger/rpc"
	"lienledger/state"
	"lienledger/storage"
)

func main() {
	var cfgPath string
	var listenOverride string
	flag.StringVar(&cfgPath, "config", "ledgerd.toml", "path to ledgerd config")
	flag.StringVar(&listenOverride, "listen", "", "listen address override")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(listenOverride) != "" {
		cfg.ListenAddress = listenOverride
	}

	logger := logging.Setup("ledgerd", cfg.Env, cfg.LogFile)

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	manager := state.NewManager(db)

	treasury, err := cfg.TreasuryAddress()
	if err != nil {
		log.Fatalf("treasury address: %v", err)
	}
	rates, err := cfg.Ledger.Rates()
	if err != nil {
		log.Fatalf("ledger rates: %v", err)
	}

	pauses := nativecommon.NewPauseSet(cfg.PausedModules)
	if len(pauses) > 0 {
		logger.Warn("modules paused by configuration", "modules", cfg.PausedModules)
	}

	seed, ok := new(big.Int).SetString(strings.TrimSpace(cfg.Vault.SeedLiquidity), 10)
	if !ok || seed.Sign() < 0 {
		log.Fatalf("invalid vault seed liquidity %q", cfg.Vault.SeedLiquidity)
	}
	bootstrapPool := vault.NewPool(cfg.Vault.PoolID, treasury).WithState(manager)
	bootstrapPool.SetOriginationFee(cfg.Vault.OriginationFeeBps)
	if err := bootstrapPool.Bootstrap(seed); err != nil {
		log.Fatalf("bootstrap pool: %v", err)
	}

	build := func(st ledger.BatchState) (*ledger.Engine, error) {
		overlay, ok := st.(*state.Overlay)
		if !ok {
			return nil, fmt.Errorf("unexpected state backend %T", st)
		}
		pool := vault.NewPool(cfg.Vault.PoolID, treasury).WithState(overlay)
		pool.SetOriginationFee(cfg.Vault.OriginationFeeBps)
		pool.SetPauses(pauses)

		eng := ledger.NewEngine().WithState(overlay)
		eng.SetRateConfig(rates)
		eng.SetPool(pool)
		eng.SetCustody(custody.NewRegistry().WithState(overlay))
		eng.SetUtilisationCap(cfg.Ledger.UtilisationCapBps)
		eng.SetPauses(pauses)

		var source ledger.DebtSource
		var err error
		switch strings.TrimSpace(cfg.Ledger.DebtSource) {
		case ledger.DebtSourcePool:
			source, err = ledger.NewPoolDebtSource(pool)
		default:
			source, err = ledger.NewLocalDebtSource(pool)
		}
		if err != nil {
			return nil, err
		}
		eng.SetDebtSource(source)
		return eng, nil
	}

	market := func(st ledger.BatchState, eng *ledger.Engine) (*marketplace.Engine, error) {
		ms, ok := st.(marketplace.State)
		if !ok {
			return nil, fmt.Errorf("state backend %T lacks marketplace support", st)
		}
		mkt := marketplace.NewEngine(eng)
		mkt.SetState(ms)
		mkt.SetTreasury(treasury)
		mkt.SetProtocolFee(cfg.Marketplace.ProtocolFeeBps)
		mkt.SetPauses(pauses)
		return mkt, nil
	}

	server := rpc.NewServer(manager, build, market, logger)

	router := chi.NewRouter()
	router.Mount("/", server.Router())
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ledgerd listening", "address", cfg.ListenAddress)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve http: %v", err)
		}
	}
}
