package listener

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoicematch/internal"
	"invoicematch/internal/config"
	"invoicematch/internal/logging"
	"invoicematch/internal/storage"
)

const suppliersCSV = `id,name,abn,email,aliases
S002,Bolt & Nut Co,98765432109,billing@boltnut.com,
`

const posCSV = `po_number,supplier_id,supplier_name,total,status
PO-2002,S002,Bolt & Nut Co,100.00,open
`

const linesCSV = `po_number,line_number,sku,description,quantity,unit_price,total
PO-2002,1,NUT-06,Lock nut M6,5,20.00,100.00
`

const invoiceJSON = `{
  "invoice_number": "INV-1",
  "supplier_name": "Bolt & Nut Co",
  "supplier_abn": "98 765 432 109",
  "po_number": "PO-2002",
  "total": "100.00",
  "line_items": [{"sku": "NUT-06", "description": "Lock nut M6", "quantity": "5", "unit_price": "20.00", "total": "100.00"}]
}`

func TestRunCycleProcessesInboxAndBacksUp(t *testing.T) {
	tmp := t.TempDir()
	refDir := filepath.Join(tmp, "reference")
	inbox := filepath.Join(tmp, "inbox")
	require.NoError(t, os.MkdirAll(refDir, 0o755))
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(refDir, "suppliers.csv"), []byte(suppliersCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(refDir, "purchase_orders.csv"), []byte(posCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(refDir, "purchase_order_lines.csv"), []byte(linesCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "INV-1.json"), []byte(invoiceJSON), 0o644))

	cfg := config.Config{
		InvoicesDir:            inbox,
		ReferenceDir:           refDir,
		BackupDir:              filepath.Join(tmp, "backups"),
		ArithmeticTolerance:    "0.05",
		TaxRateMin:             "0",
		TaxRateMax:             "0.25",
		MaxInvoiceAgeDays:      36500,
		SupplierFuzzyThreshold: 85,
		LineFuzzyThreshold:     70,
		ProcessWorkers:         2,
		WatchIntervalSec:       1,
		BackupEnabled:          true,
		BackupIntervalHours:    24,
		BackupRetentionCount:   3,
	}
	db, err := storage.Open(filepath.Join(tmp, "app.db"))
	require.NoError(t, err)
	defer db.Close()

	svc, err := NewFromConfig(context.Background(), cfg, db, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, svc.RunCycle(context.Background()))

	row, err := db.GetInvoice("INV-1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, internal.StatusReady, row.Status)
	assert.Equal(t, "S002", row.MatchedSupplier)

	archives, err := svc.backups.List()
	require.NoError(t, err)
	assert.Len(t, archives, 1)

	// the next cycle sees nothing new and takes no second backup
	require.NoError(t, svc.RunCycle(context.Background()))
	archives, err = svc.backups.List()
	require.NoError(t, err)
	assert.Len(t, archives, 1)
	runs, err := db.CountRuns("process")
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
}

func TestRunStopsOnCancel(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.Config{
		InvoicesDir:         filepath.Join(tmp, "inbox"),
		ReferenceDir:        filepath.Join(tmp, "reference"),
		ArithmeticTolerance: "0.05",
		TaxRateMin:          "0",
		TaxRateMax:          "0.25",
		WatchIntervalSec:    1,
	}
	require.NoError(t, os.MkdirAll(cfg.InvoicesDir, 0o755))
	db, err := storage.Open(filepath.Join(tmp, "app.db"))
	require.NoError(t, err)
	defer db.Close()

	svc, err := NewFromConfig(context.Background(), cfg, db, logging.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, svc.Run(ctx))
}

func TestMakeConnectorRejectsUnknownProvider(t *testing.T) {
	_, err := MakeConnector(context.Background(), config.Config{}, "pop3")
	assert.Error(t, err)
}
