package factory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/secplat/posture-pipeline/internal/common"
	"github.com/secplat/posture-pipeline/internal/config"
)

func CreatePostgresPool(ctx context.Context, conf config.Postgres) (*pgxpool.Pool, common.CloseFunc, error) {
	poolConfig, err := pgxpool.ParseConfig(string(conf.URL))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse postgres url %s: %w", conf.URL, err)
	}

	if conf.MaxConns > 0 {
		poolConfig.MaxConns = conf.MaxConns
	}

	ret, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	err = ret.Ping(ctx)
	if err != nil {
		ret.Close()

		return nil, nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	shutdown := func(context.Context) error {
		ret.Close()

		return nil
	}

	return ret, shutdown, nil
}
