package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
)

const assetColumns = `asset_id, asset_key, name, type, COALESCE(environment, ''), COALESCE(criticality, 0),
	COALESCE(owner, ''), COALESCE(owner_team, ''), COALESCE(address, ''), verified`

type AssetRepo struct {
	pool *pgxpool.Pool
}

func NewAssetRepo(pool *pgxpool.Pool) AssetRepo {
	return AssetRepo{pool: pool}
}

func (r AssetRepo) ListAssets(ctx context.Context) ([]entity.Asset, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY asset_key`)
	if err != nil {
		return nil, classify(err, "failed to list assets")
	}

	ret, err := pgx.CollectRows(rows, scanAsset)
	if err != nil {
		return nil, classify(err, "failed to scan assets")
	}

	return ret, nil
}

func (r AssetRepo) GetAsset(ctx context.Context, assetID int64) (entity.Asset, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets WHERE asset_id = $1`, assetID)
	if err != nil {
		return entity.Asset{}, classify(err, "failed to get asset %d", assetID)
	}

	ret, err := pgx.CollectExactlyOneRow(rows, scanAsset)
	if err != nil {
		return entity.Asset{}, classify(err, "failed to get asset %d", assetID)
	}

	return ret, nil
}

// UpsertAsset inserts or updates the asset keyed by its AssetKey.
func (r AssetRepo) UpsertAsset(ctx context.Context, asset entity.Asset) (entity.Asset, error) {
	rows, err := r.pool.Query(ctx, `
		INSERT INTO assets (asset_key, name, type, environment, criticality, owner, owner_team, address, verified)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, 0), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
		ON CONFLICT (asset_key) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			environment = EXCLUDED.environment,
			criticality = EXCLUDED.criticality,
			owner = EXCLUDED.owner,
			owner_team = EXCLUDED.owner_team,
			address = EXCLUDED.address,
			verified = EXCLUDED.verified
		RETURNING `+assetColumns,
		asset.AssetKey, asset.Name, asset.Type, asset.Environment, asset.Criticality,
		asset.Owner, asset.OwnerTeam, asset.Address, asset.Verified,
	)
	if err != nil {
		return entity.Asset{}, classify(err, "failed to upsert asset %s", asset.AssetKey)
	}

	ret, err := pgx.CollectExactlyOneRow(rows, scanAsset)
	if err != nil {
		return entity.Asset{}, classify(err, "failed to upsert asset %s", asset.AssetKey)
	}

	return ret, nil
}

func scanAsset(row pgx.CollectableRow) (entity.Asset, error) {
	var ret entity.Asset

	err := row.Scan(
		&ret.ID, &ret.AssetKey, &ret.Name, &ret.Type, &ret.Environment, &ret.Criticality,
		&ret.Owner, &ret.OwnerTeam, &ret.Address, &ret.Verified,
	)

	return ret, err
}
