package reference

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"invoicematch/internal/logging"
)

const suppliersCSV = `id,name,abn,acn,email,phone,address,aliases
S001,Acme Industrial Supplies Pty Ltd,12 345 678 901,,accounts@acme.com.au,,,Acme Industrial|ACME Supplies
S002,Bolt & Nut Co,98765432109,,billing@boltnut.com,,,
,Missing Id Ltd,,,,,,
`

const posCSV = `po_number,supplier_id,supplier_name,issue_date,expected_delivery,subtotal,tax_amount,total,currency,status
PO-1001,S001,Acme Industrial Supplies Pty Ltd,2024-01-10,2024-01-20,"1,000.00",100.00,1100.00,aud,open
PO-1002,S002,Bolt & Nut Co,not a date,,50,5,55,AUD,open
`

const linesCSV = `po_number,line_number,sku,description,quantity,unit,unit_price,total
PO-1001,2,BLT-10,Hex bolt M10,100,ea,2.00,200.00
PO-1001,1,WID-01,Steel widget,10,ea,80.00,800.00
PO-9999,1,X,Orphan line,1,ea,1,1
`

func writeCSVs(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "suppliers.csv"), []byte(suppliersCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "purchase_orders.csv"), []byte(posCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "purchase_order_lines.csv"), []byte(linesCSV), 0o644))
}

func TestCSVSourceLoad(t *testing.T) {
	dir := t.TempDir()
	writeCSVs(t, dir)

	snap, err := NewCSVSource(dir).Load(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Suppliers, 2)
	assert.Equal(t, "12345678901", snap.Suppliers[0].ABN)
	assert.Equal(t, []string{"Acme Industrial", "ACME Supplies"}, snap.Suppliers[0].Aliases)

	// bad supplier id and bad PO date are rejected
	assert.Len(t, snap.Rejected, 2)
	assert.Equal(t, 1, snap.OrphanLines)
	assert.NotEmpty(t, snap.Fingerprint)

	po, ok := snap.PO("  po-1001 ")
	require.True(t, ok)
	assert.Equal(t, "AUD", po.Currency)
	assert.True(t, po.Subtotal.Equal(decimal.NewFromInt(1000)))
	require.Len(t, po.Lines, 2)
	assert.Equal(t, 1, po.Lines[0].LineNumber)
	assert.Equal(t, "WID-01", po.Lines[0].SKU)

	_, ok = snap.PO("PO-1002")
	assert.False(t, ok)

	s, ok := snap.Supplier("S002")
	require.True(t, ok)
	assert.Equal(t, "Bolt & Nut Co", s.Name)
}

func TestCSVSourceMissingFilesAreEmpty(t *testing.T) {
	snap, err := NewCSVSource(t.TempDir()).Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Suppliers)
	assert.Equal(t, 0, snap.POCount())
}

func TestXLSXSourceLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reference.xlsx")
	f := excelize.NewFile()
	first := f.GetSheetName(0)
	require.NoError(t, f.SetSheetName(first, "suppliers"))
	_, err := f.NewSheet("purchase_orders")
	require.NoError(t, err)
	_, err = f.NewSheet("purchase_order_lines")
	require.NoError(t, err)

	setRows := func(sheet string, rows [][]any) {
		for r, row := range rows {
			for c, v := range row {
				cell, err := excelize.CoordinatesToCellName(c+1, r+1)
				require.NoError(t, err)
				require.NoError(t, f.SetCellValue(sheet, cell, v))
			}
		}
	}
	setRows("suppliers", [][]any{{"id", "name", "abn"}, {"S1", "Widget World", "11 222 333 444"}})
	setRows("purchase_orders", [][]any{{"po_number", "supplier_id", "total", "status"}, {"PO-7", "S1", "250.50", "open"}})
	setRows("purchase_order_lines", [][]any{{"po_number", "line_number", "description", "quantity", "unit_price"}, {"PO-7", "1", "Widget", "5", "50.10"}})
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	snap, err := NewXLSXSource(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Suppliers, 1)
	assert.Equal(t, "11222333444", snap.Suppliers[0].ABN)
	po, ok := snap.PO("po-7")
	require.True(t, ok)
	assert.Equal(t, "250.5", po.Total.String())
	require.Len(t, po.Lines, 1)
}

func TestReloaderSwapsOnlyOnChange(t *testing.T) {
	dir := t.TempDir()
	writeCSVs(t, dir)
	store := NewStore(nil)
	r := NewReloader(NewCSVSource(dir), store, logging.Discard())

	changed, err := r.ReloadIfChanged(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	first := store.Load()
	require.NotNil(t, first)

	changed, err = r.ReloadIfChanged(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, first, store.Load())

	extra := suppliersCSV + "S003,Gadget House,,,,,,\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "suppliers.csv"), []byte(extra), 0o644))

	changed, err = r.ReloadIfChanged(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, store.Load().Suppliers, 3)
	// the old snapshot is untouched
	assert.Len(t, first.Suppliers, 2)
}
