package e2e

import (
	"context"
	"fmt"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/showjihyun/agentrag/internal/registry"
	pgstore "github.com/showjihyun/agentrag/internal/store"
)

// Package-level shared state, set by TestMain.
var (
	testLogger   *zap.Logger
	testPGStore  *pgstore.Store
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("agentrag_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return "redis://" + endpoint, cleanup, nil
}

// seedProfiles persists a small agent pool and returns their ids.
func seedProfiles(ctx context.Context) ([]string, error) {
	profiles := []*registry.Profile{
		{
			ID:              "vision-1",
			Type:            registry.TypeVision,
			Specializations: []string{"vision_analysis", "object_detection"},
			Metrics:         registry.PerformanceMetrics{Accuracy: 0.92, Speed: 0.8, Reliability: 0.9},
			CostPerTask:     1.2,
			MaxConcurrent:   2,
			Status:          registry.StatusIdle,
			RegisteredAt:    time.Now(),
		},
		{
			ID:              "text-1",
			Type:            registry.TypeText,
			Specializations: []string{"text_analysis", "summarization"},
			Metrics:         registry.PerformanceMetrics{Accuracy: 0.88, Speed: 0.95, Reliability: 0.9},
			CostPerTask:     0.4,
			MaxConcurrent:   3,
			Status:          registry.StatusIdle,
			RegisteredAt:    time.Now(),
		},
	}
	var ids []string
	for _, p := range profiles {
		if err := testPGStore.SaveProfile(ctx, p); err != nil {
			return nil, fmt.Errorf("save profile %s: %w", p.ID, err)
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}
