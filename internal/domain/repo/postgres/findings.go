package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
)

type FindingRepo struct {
	pool *pgxpool.Pool
}

func NewFindingRepo(pool *pgxpool.Pool) FindingRepo {
	return FindingRepo{pool: pool}
}

// UpsertFinding deduplicates on finding_key; a known finding only gets its last_seen bumped.
func (r FindingRepo) UpsertFinding(ctx context.Context, finding entity.Finding) (bool, error) {
	var assetID *int64
	if finding.AssetID != 0 {
		assetID = &finding.AssetID
	}

	var inserted bool

	err := r.pool.QueryRow(ctx, `
		INSERT INTO findings (finding_key, asset_id, asset_key, category, title, severity, confidence, evidence, remediation, source)
		VALUES (
			$1,
			COALESCE($2, (SELECT asset_id FROM assets WHERE asset_key = $3)),
			$3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (finding_key) WHERE finding_key IS NOT NULL DO UPDATE SET
			last_seen = now(),
			severity = EXCLUDED.severity,
			evidence = EXCLUDED.evidence
		RETURNING (xmax = 0)`,
		finding.FindingKey, assetID, finding.AssetKey, finding.Category, finding.Title, string(finding.Severity),
		finding.Confidence, finding.Evidence, finding.Remediation, finding.Source,
	).Scan(&inserted)
	if err != nil {
		return false, classify(err, "failed to upsert finding %s", finding.FindingKey)
	}

	return inserted, nil
}
