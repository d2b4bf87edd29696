package reference

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Source loads reference tables from an external location.
type Source interface {
	Name() string
	Load(ctx context.Context) (*Snapshot, error)
	// Fingerprint changes whenever the underlying files change.
	Fingerprint() (string, error)
	// Files lists the paths the source reads, for backups.
	Files() []string
}

// CSVSource reads suppliers.csv, purchase_orders.csv and
// purchase_order_lines.csv from one directory.
type CSVSource struct {
	Dir string
}

func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{Dir: dir}
}

func (s *CSVSource) Name() string { return "csv:" + s.Dir }

func (s *CSVSource) Files() []string { return s.paths() }

func (s *CSVSource) paths() []string {
	return []string{
		filepath.Join(s.Dir, TableSuppliers+".csv"),
		filepath.Join(s.Dir, TablePOs+".csv"),
		filepath.Join(s.Dir, TablePOLines+".csv"),
	}
}

func (s *CSVSource) Load(ctx context.Context) (*Snapshot, error) {
	var raw [3]rawTable
	for i, path := range s.paths() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, err := readCSV(path)
		if err != nil {
			return nil, err
		}
		raw[i] = newRawTable(records)
	}
	snap := parseTables(raw[0], raw[1], raw[2]).snapshot()
	fp, err := s.Fingerprint()
	if err != nil {
		return nil, err
	}
	snap.Fingerprint = fp
	return snap, nil
}

func (s *CSVSource) Fingerprint() (string, error) {
	return fingerprintFiles(s.paths())
}

// readCSV treats a missing file as an empty table.
func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// XLSXSource reads a workbook with one sheet per table, named like the CSV
// files without extension.
type XLSXSource struct {
	Path string
}

func NewXLSXSource(path string) *XLSXSource {
	return &XLSXSource{Path: path}
}

func (s *XLSXSource) Name() string { return "xlsx:" + s.Path }

func (s *XLSXSource) Load(ctx context.Context) (*Snapshot, error) {
	f, err := excelize.OpenFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := map[string]string{}
	for _, name := range f.GetSheetList() {
		sheets[strings.ToLower(strings.TrimSpace(name))] = name
	}

	var raw [3]rawTable
	for i, table := range []string{TableSuppliers, TablePOs, TablePOLines} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sheet, ok := sheets[table]
		if !ok {
			continue
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		raw[i] = newRawTable(rows)
	}
	snap := parseTables(raw[0], raw[1], raw[2]).snapshot()
	fp, err := s.Fingerprint()
	if err != nil {
		return nil, err
	}
	snap.Fingerprint = fp
	return snap, nil
}

func (s *XLSXSource) Files() []string { return []string{s.Path} }

func (s *XLSXSource) Fingerprint() (string, error) {
	return fingerprintFiles([]string{s.Path})
}

func fingerprintFiles(paths []string) (string, error) {
	h := sha256.New()
	for _, path := range paths {
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(h, "%s:missing;", path)
			continue
		}
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s:%d:%d;", path, info.Size(), info.ModTime().UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewSource picks the workbook when one is configured, else the CSV directory.
func NewSource(dir, workbook string) Source {
	if strings.TrimSpace(workbook) != "" {
		return NewXLSXSource(workbook)
	}
	return NewCSVSource(dir)
}
