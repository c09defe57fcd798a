package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
)

type HealthEventRepo struct {
	pool *pgxpool.Pool
}

func NewHealthEventRepo(pool *pgxpool.Pool) HealthEventRepo {
	return HealthEventRepo{pool: pool}
}

func (r HealthEventRepo) WriteHealthEvent(ctx context.Context, event entity.HealthEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO health_events (asset_key, ts, status, code, latency_ms)
		VALUES ($1, $2, $3, $4, $5)`,
		event.AssetKey, event.Timestamp, event.Status, event.Code, event.LatencyMs,
	)
	if err != nil {
		return classify(err, "failed to write health event of %s", event.AssetKey)
	}

	return nil
}

func (r HealthEventRepo) LatestHealthEvents(ctx context.Context) (map[string]entity.HealthEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (asset_key) asset_key, ts, status, code, latency_ms
		  FROM health_events
		 ORDER BY asset_key, ts DESC, event_id DESC`)
	if err != nil {
		return nil, classify(err, "failed to query latest health events")
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.HealthEvent, error) {
		var ret entity.HealthEvent

		err := row.Scan(&ret.AssetKey, &ret.Timestamp, &ret.Status, &ret.Code, &ret.LatencyMs)

		return ret, err
	})
	if err != nil {
		return nil, classify(err, "failed to scan latest health events")
	}

	ret := make(map[string]entity.HealthEvent, len(events))
	for _, event := range events {
		ret[event.AssetKey] = event
	}

	return ret, nil
}
