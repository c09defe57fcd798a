package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
)

type PostureRepo struct {
	pool *pgxpool.Pool
}

func NewPostureRepo(pool *pgxpool.Pool) PostureRepo {
	return PostureRepo{pool: pool}
}

func (r PostureRepo) GetPostureStatuses(ctx context.Context) (map[string]entity.PostureStatus, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT asset_key, name, type, environment, criticality, owner, owner_team,
		       status, status_num, code, latency_ms, last_seen, staleness_seconds,
		       posture_score, posture_state, last_status_change, derived_at
		  FROM posture_status`)
	if err != nil {
		return nil, classify(err, "failed to query posture statuses")
	}

	statuses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.PostureStatus, error) {
		var ret entity.PostureStatus

		err := row.Scan(
			&ret.AssetKey, &ret.Name, &ret.Type, &ret.Environment, &ret.Criticality, &ret.Owner, &ret.OwnerTeam,
			&ret.Status, &ret.StatusNum, &ret.Code, &ret.LatencyMs, &ret.LastSeen, &ret.StalenessSeconds,
			&ret.PostureScore, &ret.PostureState, &ret.LastStatusChange, &ret.DerivedAt,
		)

		return ret, err
	})
	if err != nil {
		return nil, classify(err, "failed to scan posture statuses")
	}

	ret := make(map[string]entity.PostureStatus, len(statuses))
	for _, status := range statuses {
		ret[status.AssetKey] = status
	}

	return ret, nil
}

func (r PostureRepo) UpsertPostureStatus(ctx context.Context, status entity.PostureStatus) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO posture_status (
			asset_key, name, type, environment, criticality, owner, owner_team,
			status, status_num, code, latency_ms, last_seen, staleness_seconds,
			posture_score, posture_state, last_status_change, derived_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (asset_key) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			environment = EXCLUDED.environment,
			criticality = EXCLUDED.criticality,
			owner = EXCLUDED.owner,
			owner_team = EXCLUDED.owner_team,
			status = EXCLUDED.status,
			status_num = EXCLUDED.status_num,
			code = EXCLUDED.code,
			latency_ms = EXCLUDED.latency_ms,
			last_seen = EXCLUDED.last_seen,
			staleness_seconds = EXCLUDED.staleness_seconds,
			posture_score = EXCLUDED.posture_score,
			posture_state = EXCLUDED.posture_state,
			last_status_change = EXCLUDED.last_status_change,
			derived_at = EXCLUDED.derived_at`,
		status.AssetKey, status.Name, status.Type, status.Environment, status.Criticality, status.Owner, status.OwnerTeam,
		string(status.Status), status.StatusNum, status.Code, status.LatencyMs, status.LastSeen, status.StalenessSeconds,
		status.PostureScore, string(status.PostureState), status.LastStatusChange, status.DerivedAt,
	)
	if err != nil {
		return classify(err, "failed to upsert posture status of %s", status.AssetKey)
	}

	return nil
}

func (r PostureRepo) Refresh(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY posture_overview`)
	if err != nil {
		return classify(err, "failed to refresh posture overview")
	}

	return nil
}
