package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/cache"
	"beautika/backend/internal/config"
	"beautika/backend/internal/notify"
	"beautika/backend/internal/pricing"
	"beautika/backend/internal/service"
	"beautika/backend/internal/store"
	"beautika/backend/internal/store/memory"
	pgstore "beautika/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	ruleCache := cache.RuleSetCache(cache.NoopRuleSetCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisRuleSetCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop rule cache", err)
		} else {
			ruleCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("rule cache: redis")
		}
	} else {
		log.Println("rule cache: noop")
	}

	notifier := notify.Notifier(notify.Noop{})
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		notifier = kafkaNotifier
		closers = append(closers, kafkaNotifier.Close)
		log.Printf("notifier: kafka topic=%s", cfg.KafkaTopic)
	} else {
		log.Println("notifier: noop")
	}

	feeRate, err := decimal.NewFromString(cfg.RestockingFeeRate)
	if err != nil {
		log.Fatalf("invalid RESTOCKING_FEE_RATE %q: %v", cfg.RestockingFeeRate, err)
	}

	svc := service.New(repo, pricing.NewEngine(), ruleCache, notifier, service.Options{
		RuleCacheTTL:      cfg.RuleCacheTTL,
		PointsEarnDivisor: cfg.PointsEarnDivisor,
		NearExpiryWindow:  time.Duration(cfg.NearExpiryDays) * 24 * time.Hour,
		ReturnWindow:      time.Duration(cfg.ReturnWindowDays) * 24 * time.Hour,
		RestockingFeeRate: feeRate,
	})

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go runExpirySweep(sweepCtx, svc, cfg.ExpirySweepEvery)
	go runStockSync(sweepCtx, svc, repo, cfg.StockSyncEvery)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("fulfillment engine listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopSweeps()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// runExpirySweep periodically recomputes batch expiry flags so expired
// stock drops out of the sellable pool without waiting for an order.
func runExpirySweep(ctx context.Context, svc *service.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := svc.RefreshExpiryFlags(ctx)
			if err != nil {
				log.Printf("expiry sweep failed: %v", err)
				continue
			}
			if changed > 0 {
				log.Printf("expiry sweep updated %d batches", changed)
			}
		}
	}
}

// runStockSync reconciles the denormalized product stock counters
// against batch availability.
func runStockSync(ctx context.Context, svc *service.Service, repo store.Repository, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			products, err := repo.ListProducts(ctx)
			if err != nil {
				log.Printf("stock sync list failed: %v", err)
				continue
			}
			for _, product := range products {
				if _, err := svc.SyncProductStock(ctx, product.SKU); err != nil {
					log.Printf("stock sync failed sku=%s: %v", product.SKU, err)
				}
			}
		}
	}
}
