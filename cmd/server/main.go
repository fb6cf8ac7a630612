package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailroom/internal/api"
	"github.com/ignite/mailroom/internal/attachment"
	"github.com/ignite/mailroom/internal/config"
	"github.com/ignite/mailroom/internal/core"
	"github.com/ignite/mailroom/internal/pkg/distlock"
	"github.com/ignite/mailroom/internal/pkg/logger"
	"github.com/ignite/mailroom/internal/store"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(!cfg.Log.PlainAddresses)

	if cfg.Database.URL == "" {
		log.Fatal("No database configured: set database.url or DATABASE_URL")
	}

	st, err := store.Open(cfg.Database.URL,
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = st.Ping(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}
	log.Println("Database connection established")

	// Redis is optional. With it the writer lock rides on Redis and the
	// attachment cache gains its shared tier; without it the lock falls
	// back to a PG advisory lock and the cache stays per-instance.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Bad redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Printf("Warning: Redis unreachable (%v); using PG advisory lock", err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Println("Redis connection established")
		}
	}

	c := core.New(cfg, st)
	c.SetLock(distlock.NewLock(redisClient, st.DB(), core.WriterLockKey, core.WriterLockTTL))

	resolver, err := buildResolver(cfg, redisClient)
	if err != nil {
		log.Fatalf("Failed to build attachment resolver: %v", err)
	}
	c.SetResolver(resolver)

	if err := c.Start(); err != nil {
		log.Fatalf("Failed to start core: %v", err)
	}

	server := api.NewServer(c, cfg.API)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
		log.Printf("Control API listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	c.Stop()
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Server stopped")
}

// buildResolver assembles the attachment pipeline: tiered cache, S3
// client when object storage is configured, and the service-wide size
// policy for tenants that set none.
func buildResolver(cfg *config.Config, redisClient *redis.Client) (*attachment.Resolver, error) {
	var cache *attachment.TieredCache
	cc := cfg.Attachments.Cache
	if cc.MemoryMaxMB > 0 || cc.DiskDir != "" || redisClient != nil {
		var err error
		cache, err = attachment.NewTieredCache(attachment.CacheOptions{
			MemoryMaxMB:     cc.MemoryMaxMB,
			MemoryTTL:       time.Duration(cc.MemoryTTLSeconds) * time.Second,
			DiskDir:         cc.DiskDir,
			DiskMaxMB:       cc.DiskMaxMB,
			DiskTTL:         time.Duration(cc.DiskTTLSeconds) * time.Second,
			DiskThresholdKB: cc.DiskThresholdKB,
			Redis:           redisClient,
			RedisTTL:        time.Duration(cc.RedisTTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("attachment cache: %w", err)
		}
	}

	opts := attachment.Options{
		BaseDir:         cfg.Attachments.BaseDir,
		DefaultEndpoint: cfg.Attachments.DefaultEndpoint,
		S3Bucket:        cfg.Attachments.S3.Bucket,
		Cache:           cache,
		FetchTimeout:    cfg.Attachments.FetchTimeout(),
		MaxConcurrent:   cfg.Dispatch.MaxAttachmentConcurrency,
	}

	// "allow" disables the service default; tenants can still set their
	// own limits.
	if cfg.Attachments.SizePolicy != "allow" {
		opts.DefaultLargeFiles = &store.LargeFilePolicy{
			Enabled:   true,
			MaxSizeMB: float64(cfg.Attachments.MaxSizeMB),
			Action:    cfg.Attachments.SizePolicy,
		}
	}

	if cfg.Attachments.S3.Bucket != "" {
		region := cfg.Attachments.S3.Region
		if region == "" {
			region = "us-east-1"
		}
		client, err := attachment.NewS3Client(context.Background(), region,
			cfg.Attachments.S3.GetAWSProfile(), cfg.Attachments.S3.AccessKey, cfg.Attachments.S3.SecretKey)
		if err != nil {
			// S3 is one fetch mode of several; messages without s3
			// attachments should still flow.
			log.Printf("Warning: S3 client init failed: %v; s3:// attachments will error", err)
		} else {
			opts.S3 = client
			log.Printf("S3 attachment fetching enabled: bucket=%s region=%s", cfg.Attachments.S3.Bucket, region)
		}
	}

	return attachment.NewResolver(opts), nil
}
