package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/IliaW/resource-scanner/internal/model"
)

// ErrStoreUnavailable means the database could not be reached at all. It aborts the run.
var ErrStoreUnavailable = errors.New("store unavailable")

type ScanStorage interface {
	Save(ctx context.Context, result *model.ScanResult) error
}

type ScanRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewScanRepository(db *sql.DB, dialect Dialect) *ScanRepository {
	return &ScanRepository{db: db, dialect: dialect}
}

// Save upserts the scan row and replaces its resources and dependency edges in one transaction. Any failure
// rolls the whole write back.
func (sr *ScanRepository) Save(ctx context.Context, result *model.ScanResult) (err error) {
	tx, err := sr.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("failed to rollback.", slog.String("domain", result.Domain), slog.String("err", rbErr.Error()))
		}
		err = classify(fmt.Errorf("failed to save scan of %s: %w", result.Domain, err))
	}()

	scannedAt := result.ScannedAt
	if scannedAt.IsZero() {
		scannedAt = time.Now().UTC()
	}
	var scanID int64
	err = tx.QueryRowContext(ctx, sr.dialect.rebind(`INSERT INTO scans
	(domain, final_url, success, error, screenshot_path, attempts, scanned_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (domain) DO UPDATE
	SET final_url = EXCLUDED.final_url,
		success = EXCLUDED.success,
		error = EXCLUDED.error,
		screenshot_path = EXCLUDED.screenshot_path,
		attempts = EXCLUDED.attempts,
		scanned_at = EXCLUDED.scanned_at
	RETURNING id;`),
		result.Domain,
		nullable(result.FinalURL),
		result.Success,
		nullable(result.Error),
		nullable(result.ScreenshotPath),
		result.Attempts,
		scannedAt,
	).Scan(&scanID)
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, sr.dialect.rebind(`DELETE FROM resources WHERE scan_id = $1;`), scanID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, sr.dialect.rebind(`DELETE FROM dependencies WHERE scan_id = $1;`), scanID); err != nil {
		return err
	}

	if err = sr.insertResources(ctx, tx, scanID, result.Resources); err != nil {
		return err
	}
	if err = sr.insertDependencies(ctx, tx, scanID, result.Dependencies.Edges()); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	slog.Debug("scan saved to db.", slog.String("domain", result.Domain), slog.Int("resources",
		len(result.Resources)))

	return nil
}

func (sr *ScanRepository) insertResources(ctx context.Context, tx *sql.Tx, scanID int64,
	resources []model.Resource) error {
	if len(resources) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, sr.dialect.rebind(`INSERT INTO resources
	(scan_id, url, resource_type, is_external, has_sri) VALUES ($1, $2, $3, $4, $5);`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range resources {
		if _, err = stmt.ExecContext(ctx, scanID, r.URL, string(r.Type), r.IsExternal, nullableBool(r.HasSRI)); err != nil {
			return err
		}
	}
	return nil
}

func (sr *ScanRepository) insertDependencies(ctx context.Context, tx *sql.Tx, scanID int64,
	edges []model.DependencyEdge) error {
	if len(edges) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, sr.dialect.rebind(`INSERT INTO dependencies
	(scan_id, parent_host, host, url, confidence) VALUES ($1, $2, $3, $4, $5);`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range edges {
		if _, err = stmt.ExecContext(ctx, scanID, e.ParentHost, e.Host, e.URL, string(e.Confidence)); err != nil {
			return err
		}
	}
	return nil
}

// nullable and nullableBool bind plain driver values so both drivers accept them.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

// classify marks connection-level failures as ErrStoreUnavailable.
func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
