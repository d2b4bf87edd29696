package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"invoicematch/internal"
)

var ErrInvoiceNotFound = errors.New("invoice not found")

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers from the worker pool.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS invoices (
  stem TEXT PRIMARY KEY,
  sourceFile TEXT NOT NULL,
  source TEXT NOT NULL,
  status TEXT NOT NULL,
  invoiceNumber TEXT,
  supplierName TEXT,
  matchedSupplier TEXT,
  poNumber TEXT,
  total TEXT,
  errorCount INTEGER NOT NULL DEFAULT 0,
  warningCount INTEGER NOT NULL DEFAULT 0,
  contentHash TEXT NOT NULL,
  resultJson TEXT,
  processedAt TEXT NOT NULL,
  exportedAt TEXT,
  error TEXT,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);

CREATE TABLE IF NOT EXISTS discrepancies (
  stem TEXT NOT NULL,
  seq INTEGER NOT NULL,
  type TEXT NOT NULL,
  severity TEXT NOT NULL,
  field TEXT,
  description TEXT NOT NULL,
  invoiceValue TEXT,
  expectedValue TEXT,
  PRIMARY KEY(stem, seq),
  FOREIGN KEY(stem) REFERENCES invoices(stem)
);

CREATE TABLE IF NOT EXISTS audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  stem TEXT NOT NULL,
  timestamp TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  action TEXT NOT NULL,
  actor TEXT NOT NULL,
  detail TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_stem ON audit_log(stem);

CREATE TABLE IF NOT EXISTS emails (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider TEXT NOT NULL,
  messageId TEXT NOT NULL,
  subject TEXT,
  sender TEXT,
  receivedAt TEXT,
  hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'fetched',
  rawRef TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(provider, messageId)
);

CREATE TABLE IF NOT EXISTS runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  traceId TEXT NOT NULL,
  kind TEXT NOT NULL,
  timingsJson TEXT NOT NULL,
  countsJson TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

	_, err := d.conn.Exec(schema)
	return err
}

// SaveResult stores the invoice row and replaces its discrepancies in one
// transaction.
func (d *DB) SaveResult(row internal.InvoiceRow, result internal.ProcessingResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
INSERT INTO invoices (
  stem, sourceFile, source, status, invoiceNumber, supplierName, matchedSupplier, poNumber, total,
  errorCount, warningCount, contentHash, resultJson, processedAt, exportedAt, error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
ON CONFLICT(stem) DO UPDATE SET
  sourceFile=excluded.sourceFile,
  source=excluded.source,
  status=excluded.status,
  invoiceNumber=excluded.invoiceNumber,
  supplierName=excluded.supplierName,
  matchedSupplier=excluded.matchedSupplier,
  poNumber=excluded.poNumber,
  total=excluded.total,
  errorCount=excluded.errorCount,
  warningCount=excluded.warningCount,
  contentHash=excluded.contentHash,
  resultJson=excluded.resultJson,
  processedAt=excluded.processedAt,
  exportedAt=NULL,
  error=NULL,
  updatedAt=CURRENT_TIMESTAMP
`, row.Stem, row.SourceFile, string(row.Source), string(row.Status), row.InvoiceNumber, row.SupplierName, row.MatchedSupplier,
		row.PONumber, row.Total, row.ErrorCount, row.WarningCount, row.ContentHash, string(resultJSON), row.ProcessedAt); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM discrepancies WHERE stem = ?`, row.Stem); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
INSERT INTO discrepancies (stem, seq, type, severity, field, description, invoiceValue, expectedValue)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, disc := range result.Discrepancies {
		if _, err := stmt.Exec(row.Stem, i+1, string(disc.Type), string(disc.Severity), disc.Field, disc.Description, disc.InvoiceValue, disc.ExpectedValue); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkFailed records a file that could not be read or parsed. Earlier
// discrepancies for the stem are dropped.
func (d *DB) MarkFailed(row internal.InvoiceRow, cause error) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
INSERT INTO invoices (stem, sourceFile, source, status, contentHash, processedAt, error)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(stem) DO UPDATE SET
  sourceFile=excluded.sourceFile,
  source=excluded.source,
  status=excluded.status,
  contentHash=excluded.contentHash,
  resultJson=NULL,
  processedAt=excluded.processedAt,
  error=excluded.error,
  updatedAt=CURRENT_TIMESTAMP
`, row.Stem, row.SourceFile, string(row.Source), string(internal.StatusFailed), row.ContentHash, row.ProcessedAt, cause.Error()); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM discrepancies WHERE stem = ?`, row.Stem); err != nil {
		return err
	}
	return tx.Commit()
}

const invoiceColumns = `stem, sourceFile, source, status, invoiceNumber, supplierName, matchedSupplier, poNumber, total,
  errorCount, warningCount, contentHash, processedAt, exportedAt, error`

func scanInvoice(scan func(dest ...any) error) (internal.InvoiceRow, error) {
	var row internal.InvoiceRow
	var source, status string
	var invoiceNumber, supplierName, matchedSupplier, poNumber, total sql.NullString
	if err := scan(
		&row.Stem, &row.SourceFile, &source, &status, &invoiceNumber, &supplierName, &matchedSupplier, &poNumber, &total,
		&row.ErrorCount, &row.WarningCount, &row.ContentHash, &row.ProcessedAt, &row.ExportedAt, &row.Error,
	); err != nil {
		return internal.InvoiceRow{}, err
	}
	row.Source = internal.InvoiceSource(source)
	row.Status = internal.InvoiceStatus(status)
	row.InvoiceNumber = invoiceNumber.String
	row.SupplierName = supplierName.String
	row.MatchedSupplier = matchedSupplier.String
	row.PONumber = poNumber.String
	row.Total = total.String
	return row, nil
}

func (d *DB) GetInvoice(stem string) (*internal.InvoiceRow, error) {
	row, err := scanInvoice(d.conn.QueryRow(`SELECT `+invoiceColumns+` FROM invoices WHERE stem = ?`, stem).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListInvoices returns invoices with the given status, or all when status is
// empty, oldest first.
func (d *DB) ListInvoices(status internal.InvoiceStatus) ([]internal.InvoiceRow, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY processedAt ASC, stem ASC`

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.InvoiceRow
	for rows.Next() {
		row, err := scanInvoice(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) GetResult(stem string) (*internal.ProcessingResult, error) {
	var blob sql.NullString
	err := d.conn.QueryRow(`SELECT resultJson FROM invoices WHERE stem = ?`, stem).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	if !blob.Valid {
		return nil, nil
	}
	var res internal.ProcessingResult
	if err := json.Unmarshal([]byte(blob.String), &res); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", stem, err)
	}
	return &res, nil
}

// UpdateInvoiceStatus sets the status and stamps exportedAt on export.
func (d *DB) UpdateInvoiceStatus(stem string, status internal.InvoiceStatus) error {
	res, err := d.conn.Exec(`
UPDATE invoices SET
  status = ?,
  exportedAt = CASE WHEN ? = 'exported' THEN strftime('%Y-%m-%dT%H:%M:%SZ','now') ELSE exportedAt END,
  updatedAt = CURRENT_TIMESTAMP
WHERE stem = ?`, string(status), string(status), stem)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrInvoiceNotFound, stem)
	}
	return nil
}

func (d *DB) ListDiscrepancies(status internal.InvoiceStatus) ([]internal.DiscrepancyRow, error) {
	query := `
SELECT d.stem, COALESCE(i.invoiceNumber, ''), i.status, d.seq, d.type, d.severity,
       COALESCE(d.field, ''), d.description, COALESCE(d.invoiceValue, ''), COALESCE(d.expectedValue, '')
FROM discrepancies d
JOIN invoices i ON i.stem = d.stem`
	var args []any
	if status != "" {
		query += ` WHERE i.status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY d.stem ASC, d.seq ASC`

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.DiscrepancyRow
	for rows.Next() {
		var row internal.DiscrepancyRow
		var status, typ, severity string
		if err := rows.Scan(&row.Stem, &row.InvoiceNumber, &status, &row.Seq, &typ, &severity,
			&row.Field, &row.Description, &row.InvoiceValue, &row.ExpectedValue); err != nil {
			return nil, err
		}
		row.Status = internal.InvoiceStatus(status)
		row.Type = internal.DiscrepancyType(typ)
		row.Severity = internal.Severity(severity)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) InsertAudit(stem, action, actor, detail string) error {
	_, err := d.conn.Exec(`INSERT INTO audit_log (stem, action, actor, detail) VALUES (?, ?, ?, ?)`, stem, action, actor, detail)
	return err
}

func (d *DB) ListAudit(stem string) ([]internal.AuditEntry, error) {
	rows, err := d.conn.Query(`SELECT id, stem, timestamp, action, actor, COALESCE(detail, '') FROM audit_log WHERE stem = ? ORDER BY id ASC`, stem)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.AuditEntry
	for rows.Next() {
		var e internal.AuditEntry
		if err := rows.Scan(&e.ID, &e.Stem, &e.Timestamp, &e.Action, &e.Actor, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) UpsertEmail(provider, messageID, subject, sender, receivedAt, hash, rawRef, status string) (internal.EmailRow, error) {
	_, err := d.conn.Exec(`
INSERT INTO emails (provider, messageId, subject, sender, receivedAt, hash, status, rawRef)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, messageId) DO UPDATE SET
  subject=excluded.subject,
  sender=excluded.sender,
  receivedAt=excluded.receivedAt,
  hash=excluded.hash,
  rawRef=excluded.rawRef,
  updatedAt=CURRENT_TIMESTAMP
`, provider, messageID, subject, sender, receivedAt, hash, status, rawRef)
	if err != nil {
		return internal.EmailRow{}, err
	}

	row, err := d.GetEmailByProviderMessageID(provider, messageID)
	if err != nil {
		return internal.EmailRow{}, err
	}
	if row == nil {
		return internal.EmailRow{}, errors.New("failed to upsert email")
	}
	return *row, nil
}

func (d *DB) GetEmailByProviderMessageID(provider, messageID string) (*internal.EmailRow, error) {
	var row internal.EmailRow
	err := d.conn.QueryRow(`
SELECT id, provider, messageId, COALESCE(subject, ''), COALESCE(sender, ''), COALESCE(receivedAt, ''), hash, status, rawRef
FROM emails WHERE provider = ? AND messageId = ?
`, provider, messageID).Scan(
		&row.ID, &row.Provider, &row.MessageID, &row.Subject, &row.Sender, &row.ReceivedAt, &row.Hash, &row.Status, &row.RawRef,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *DB) ListEmailsByStatus(status string, limit int) ([]internal.EmailRow, error) {
	rows, err := d.conn.Query(`
SELECT id, provider, messageId, COALESCE(subject, ''), COALESCE(sender, ''), COALESCE(receivedAt, ''), hash, status, rawRef
FROM emails WHERE status = ? ORDER BY receivedAt ASC LIMIT ?
`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.EmailRow
	for rows.Next() {
		var row internal.EmailRow
		if err := rows.Scan(&row.ID, &row.Provider, &row.MessageID, &row.Subject, &row.Sender, &row.ReceivedAt, &row.Hash, &row.Status, &row.RawRef); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) UpdateEmailStatus(emailID int, status string) error {
	_, err := d.conn.Exec(`UPDATE emails SET status = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, status, emailID)
	return err
}

func (d *DB) InsertRun(traceID, kind string, timings map[string]float64, counts map[string]int) error {
	timingsJSON, _ := json.Marshal(timings)
	countsJSON, _ := json.Marshal(counts)
	_, err := d.conn.Exec(`INSERT INTO runs (traceId, kind, timingsJson, countsJson) VALUES (?, ?, ?, ?)`, traceID, kind, string(timingsJSON), string(countsJSON))
	return err
}

func (d *DB) CountRuns(kind string) (int, error) {
	var n int
	err := d.conn.QueryRow(`SELECT COUNT(*) FROM runs WHERE kind = ?`, kind).Scan(&n)
	return n, err
}

func (d *DB) SetMetadata(key, value string) error {
	_, err := d.conn.Exec(`
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

func (d *DB) GetMetadata(key string) (*string, error) {
	var value string
	err := d.conn.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// BackupTo writes a consistent copy of the database to dest, which must not
// exist yet.
func (d *DB) BackupTo(ctx context.Context, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	_, err := d.conn.ExecContext(ctx, `VACUUM INTO ?`, dest)
	return err
}
