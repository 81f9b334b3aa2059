package models

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StoreRow is one data row of an import, keyed by store field name.
// Row is 1-based over data rows (the header is not counted).
type StoreRow struct {
	Row    int
	Fields map[string]string
}

func (r StoreRow) StoreId() string {
	return strings.TrimSpace(r.Fields["store_id"])
}

type StoreImportError struct {
	Row     int    `json:"row"`
	StoreId string `json:"store_id"`
	Error   string `json:"error"`
}

type StoreImportResult struct {
	Count     int                `json:"count"`
	Inserted  int                `json:"inserted"`
	Updated   int                `json:"updated"`
	Unchanged int                `json:"unchanged"`
	Errors    []StoreImportError `json:"errors"`
}

var storeHeaderAliases = map[string]string{
	"store":         "store_id",
	"storeid":       "store_id",
	"store_number":  "store_id",
	"code":          "store_code",
	"storecode":     "store_code",
	"name":          "store_name",
	"storename":     "store_name",
	"brand":         "banner",
	"region_name":   "region",
	"regioncode":    "region_code",
	"manager":       "manager_name",
	"manager_mail":  "manager_email",
	"email":         "manager_email",
	"phone":         "manager_phone",
	"manager_tel":   "manager_phone",
	"active":        "is_active",
	"status":        "is_active",
	"enabled":       "is_active",
	"isactive":      "is_active",
	"managername":   "manager_name",
	"manageremail":  "manager_email",
	"managerphone":  "manager_phone",
}

// normalizeStoreHeader maps a spreadsheet header to a store field name, or "".
func normalizeStoreHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	h = strings.NewReplacer(" ", "_", "-", "_", ".", "").Replace(h)
	if IsStoreMutableField(h) {
		return h
	}
	if alias, ok := storeHeaderAliases[h]; ok {
		return alias
	}
	return ""
}

// ParseStoreRows reads a .csv or .xlsx upload. Unknown columns are ignored and
// fully blank rows are skipped without consuming a row number.
func ParseStoreRows(filename string, r io.Reader) ([]StoreRow, error) {
	var records [][]string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		f, err := excelize.OpenReader(r)
		if err != nil {
			return nil, utils.NewValidationError("file", "unreadable workbook: %v", err)
		}
		defer f.Close()
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, utils.NewValidationError("file", "workbook has no sheets")
		}
		records, err = f.GetRows(sheets[0])
		if err != nil {
			return nil, err
		}
	case ".csv", "":
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		cr.TrimLeadingSpace = true
		var err error
		records, err = cr.ReadAll()
		if err != nil {
			return nil, utils.NewValidationError("file", "malformed csv: %v", err)
		}
	default:
		return nil, utils.NewValidationError("file", "unsupported file type %q", filepath.Ext(filename))
	}
	return storeRowsFromRecords(records)
}

func storeRowsFromRecords(records [][]string) ([]StoreRow, error) {
	if len(records) == 0 {
		return nil, utils.NewValidationError("file", "file is empty")
	}
	columns := make([]string, len(records[0]))
	hasStoreId := false
	for i, h := range records[0] {
		columns[i] = normalizeStoreHeader(h)
		if columns[i] == "store_id" {
			hasStoreId = true
		}
	}
	if !hasStoreId {
		return nil, utils.NewValidationError("file", "missing store_id column")
	}

	rows := make([]StoreRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		fields := map[string]string{}
		blank := true
		for i, v := range rec {
			if i >= len(columns) || columns[i] == "" {
				continue
			}
			v = strings.TrimSpace(v)
			if v != "" {
				blank = false
			}
			fields[columns[i]] = v
		}
		if blank {
			continue
		}
		rows = append(rows, StoreRow{Row: len(rows) + 1, Fields: fields})
	}
	return rows, nil
}

// StoreRowsFromMaps converts JSON merge payload rows to StoreRows.
func StoreRowsFromMaps(items []map[string]any) []StoreRow {
	rows := make([]StoreRow, 0, len(items))
	for i, item := range items {
		fields := map[string]string{}
		for k, v := range item {
			if name := normalizeStoreHeader(k); name != "" {
				fields[name] = strings.TrimSpace(valueToString(v))
			}
		}
		rows = append(rows, StoreRow{Row: i + 1, Fields: fields})
	}
	return rows
}

// ImportStores applies rows one at a time, each in its own transaction.
// A failing row is reported and the batch continues.
// In merge mode blank cells leave the stored value alone.
func ImportStores(ctx context.Context, db *gorm.DB, rows []StoreRow, mode ImportMode, actor string) (*StoreImportResult, error) {
	if mode == "" {
		mode = ImportModeMerge
	}
	result := &StoreImportResult{Errors: []StoreImportError{}}
	for _, row := range rows {
		outcome, err := importStoreRow(ctx, db, row, mode, actor)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Errors = append(result.Errors, StoreImportError{
				Row:     row.Row,
				StoreId: row.StoreId(),
				Error:   importErrorMessage(err),
			})
			continue
		}
		result.Count++
		switch outcome {
		case importInserted:
			result.Inserted++
		case importUpdated:
			result.Updated++
		default:
			result.Unchanged++
		}
	}
	return result, nil
}

type importOutcome int

const (
	importUnchanged importOutcome = iota
	importInserted
	importUpdated
)

func importStoreRow(ctx context.Context, db *gorm.DB, row StoreRow, mode ImportMode, actor string) (importOutcome, error) {
	storeId := row.StoreId()
	if storeId == "" {
		return 0, utils.NewValidationError("store_id", "is required")
	}
	outcome := importUnchanged
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing StoreMaster
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("store_id = ?", storeId).Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			input, err := newStoreFromRow(row)
			if err != nil {
				return err
			}
			if err := input.normalize(); err != nil {
				return err
			}
			store := input.toModel()
			if err := createStoreTx(tx, &store, actor); err != nil {
				return err
			}
			outcome = importInserted
			return nil
		}
		if mode == ImportModeInsert {
			return utils.NewValidationError("store_id", "store %s already exists", storeId)
		}

		fields := map[string]any{}
		for name, v := range row.Fields {
			if name == "store_id" || v == "" {
				continue
			}
			fields[name] = v
		}
		if len(fields) == 0 {
			return nil
		}
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		audits, err := applyStoreChangesTx(tx, &existing, fields, names, actor)
		if err != nil {
			return err
		}
		if len(audits) > 0 {
			outcome = importUpdated
		}
		return nil
	})
	return outcome, err
}

func newStoreFromRow(row StoreRow) (*NewStore, error) {
	f := row.Fields
	input := &NewStore{
		StoreId:      f["store_id"],
		StoreName:    f["store_name"],
		Banner:       f["banner"],
		Region:       f["region"],
		RegionCode:   f["region_code"],
		ManagerName:  f["manager_name"],
		ManagerEmail: f["manager_email"],
		ManagerPhone: f["manager_phone"],
	}
	if s := f["store_code"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, utils.NewValidationError("store_code", "must be a positive integer")
		}
		input.StoreCode = &n
	}
	if s := f["is_active"]; s != "" {
		b, err := parseBool(s)
		if err != nil {
			return nil, utils.NewValidationError("is_active", "must be true or false")
		}
		input.IsActive = &b
	}
	return input, nil
}

func importErrorMessage(err error) string {
	var ve *utils.ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	if IsDuplicateKeyErr(err) {
		return "duplicate store_id or store_code"
	}
	return "database error"
}

var storeExportColumns = []string{
	"store_id", "store_code", "store_name", "banner", "region", "region_code",
	"manager_name", "manager_email", "manager_phone", "is_active",
}

// ExportStoresCSV writes stores with a header row matching the import columns.
func ExportStoresCSV(w io.Writer, stores []StoreMaster) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(storeExportColumns); err != nil {
		return err
	}
	for i := range stores {
		rec := make([]string, len(storeExportColumns))
		for j, col := range storeExportColumns {
			rec[j] = storeFieldDisplay(&stores[i], col)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write store %s: %w", stores[i].StoreId, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
