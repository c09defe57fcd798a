package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/secplat/posture-pipeline/internal/domain/repo"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

// Transient SQLSTATE codes outside of the connection exception class
var transientCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
	"57014": {}, // query_canceled
	"57P01": {}, // admin_shutdown
	"57P03": {}, // cannot_connect_now
	"53300": {}, // too_many_connections
}

// classify wraps err so that pipeline.Classify tells transient failures from fatal ones.
func classify(err error, reason string, args ...any) error {
	if err == nil {
		return nil
	}

	cause := fmt.Sprintf(reason, args...)

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", cause, repo.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, transient := transientCodes[pgErr.Code]

		switch {
		case transient, strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%s: %w", cause, pipeline.NewErrRetryableError(err))
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"):
			// integrity constraint or data exception: this input will never fit
			return fmt.Errorf("%s: %w", cause, pipeline.NewErrMalformedInput(err))
		case strings.HasPrefix(pgErr.Code, "28"), strings.HasPrefix(pgErr.Code, "3D"), strings.HasPrefix(pgErr.Code, "42"):
			return fmt.Errorf("%s: %w", cause, pipeline.NewErrFatalError(err))
		}
	}

	// Connection errors and anything unknown are retried
	return fmt.Errorf("%s: %w", cause, pipeline.NewErrRetryableError(err))
}
