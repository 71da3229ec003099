package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/publishing-worker/internal/asset"
	"github.com/cuongbtq/publishing-worker/internal/config"
	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/provider"
	"github.com/cuongbtq/publishing-worker/internal/ratelimit"
	"github.com/cuongbtq/publishing-worker/internal/storage"
	"github.com/cuongbtq/publishing-worker/shared/logger"
)

const launchBucketPrefix = "publishing:launch:"

// buildProviders registers the container providers on the Docker daemon and,
// when a base URL is configured, the remote-profile provider. The returned
// func releases the Docker and Redis clients.
func buildProviders(cfg *config.Config, appLogger *logger.Logger) (provider.Registry, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	compute, err := provider.NewDockerCompute(cfg.Providers.Container.DockerHost)
	if err != nil {
		return nil, closeAll, fmt.Errorf("failed to initialize docker client: %w", err)
	}
	closers = append(closers, func() { compute.Close() })

	containerLog := appLogger.Component("provider")
	providers := make([]provider.Provider, 0, 4)
	for _, code := range []string{domain.ProviderNoVNC, domain.ProviderNoVNCAWS, domain.ProviderRemoteHeadless} {
		providers = append(providers, provider.NewContainerProvider(containerConfig(code, cfg.Providers.Container), compute, containerLog))
	}

	remote := cfg.Providers.RemoteProfile
	if remote.BaseURL != "" {
		var limiter provider.Limiter
		if cfg.Redis.Addr != "" && remote.LaunchesPerMinute > 0 {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			closers = append(closers, func() { rdb.Close() })
			burst := remote.LaunchBurst
			if burst <= 0 {
				burst = 1
			}
			limiter = ratelimit.NewTokenBucket(rdb, launchBucketPrefix, burst, remote.LaunchesPerMinute/60, 10*time.Minute)
		}
		providers = append(providers, provider.NewRemoteProfileProvider(
			domain.ProviderGoLogin,
			provider.NewGoLoginClient(remote.BaseURL, remote.RequestTimeout),
			provider.Credentials{Default: remote.DefaultToken, Accounts: remote.AccountTokens},
			limiter,
			containerLog,
		))
	} else {
		containerLog.Warn("Remote profile provider disabled, no base_url configured")
	}

	registry, err := provider.NewRegistry(providers...)
	if err != nil {
		return nil, closeAll, err
	}
	return registry, closeAll, nil
}

// containerConfig applies the configured overrides to a provider's defaults.
func containerConfig(code string, over config.ContainerConfig) provider.ContainerConfig {
	c := provider.DefaultContainerConfig(code)
	if over.PublicHost != "" {
		c.PublicHost = over.PublicHost
	}
	if over.StartupAttempts > 0 {
		c.StartupAttempts = over.StartupAttempts
	}
	if over.HealthAttempts > 0 {
		c.HealthAttempts = over.HealthAttempts
	}
	if over.PollInterval > 0 {
		c.PollInterval = over.PollInterval
	}
	if over.StopTimeout > 0 {
		c.StopTimeout = over.StopTimeout
	}
	if over.ShmSize > 0 {
		c.Defaults.ShmSizeBytes = over.ShmSize
	}
	return c
}

func buildMaterializer(ctx context.Context, cfg *config.Config, store *storage.Storage, log *slog.Logger) (*asset.Materializer, error) {
	var s3Fetcher *asset.S3Fetcher
	s3cfg := cfg.Assets.S3
	if s3cfg.Region != "" || s3cfg.Bucket != "" {
		client, err := asset.NewS3Client(ctx, asset.S3Options{
			Region:    s3cfg.Region,
			Endpoint:  s3cfg.Endpoint,
			PathStyle: s3cfg.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		s3Fetcher = asset.NewS3Fetcher(client, s3cfg.Bucket)
	} else {
		log.Warn("S3 not configured, s3 assets cannot be materialized")
	}
	return asset.NewMaterializer(cfg.Assets.RootDir, store, asset.DefaultFetchers(s3Fetcher, store), log), nil
}
