package pgvector

import (
	"context"
	"strings"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

// classify maps driver failures onto the error taxonomy
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, op+" timed out")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		var connErr *pgconn.ConnectError
		if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
			return errors.Wrap(err, errors.ErrorTypeConnection, op+" failed")
		}
		return errors.Wrap(err, errors.ErrorTypeTransientFetch, op+" failed")
	}

	var t errors.ErrorType
	switch {
	case pgErr.Code == "42P01":
		t = errors.ErrorTypeNotFound
	case pgErr.Code == "57014":
		t = errors.ErrorTypeTimeout
	case pgErr.Code == "53300" || pgErr.Code == "40001" || pgErr.Code == "40P01":
		t = errors.ErrorTypeRateLimit
	case pgErr.Code == "54000" || pgErr.Code == "53200":
		t = errors.ErrorTypePayloadTooLarge
	case strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "28") || pgErr.Code == "57P01":
		t = errors.ErrorTypeConnection
	case pgErr.Code == "22000" && strings.Contains(pgErr.Message, "dimensions"):
		t = errors.ErrorTypeSchemaMismatch
	case strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "42"):
		t = errors.ErrorTypeValidation
	default:
		t = errors.ErrorTypeTransientFetch
	}
	return errors.Wrap(err, t, op+" failed").WithDetail("sqlstate", pgErr.Code)
}
