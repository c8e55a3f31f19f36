package report

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xuri/excelize/v2"
)

// Экспорт истории запусков в Excel: лист Runs - строки etl_audit_log,
// лист Datasets - строки etl_run_details. Отчет читает только
// audit-таблицы и работает с любой БД на wire-протоколе PostgreSQL.

// runRow - одна строка etl_audit_log в отчете
type runRow struct {
	LogID          int64
	RunID          string
	PackageVersion string
	StartedAt      time.Time
	FinishedAt     *time.Time
	Mode           string
	Status         string
	ErrorMessage   *string
}

// detailRow - одна строка etl_run_details в отчете
type detailRow struct {
	LogID        int64
	Dataset      string
	RowsRead     int64
	RowsInserted int64
	RowsUpdated  int64
	RowsDeleted  int64
	BytesLoaded  int64
	DurationMs   int64
}

// ExportAuditHistory выгружает историю запусков из audit-таблиц в XLSX
func ExportAuditHistory(ctx context.Context, dsn, outputPath string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect for audit report: %w", err)
	}
	defer conn.Close(ctx)

	runs, err := fetchRuns(ctx, conn)
	if err != nil {
		return err
	}
	details, err := fetchDetails(ctx, conn)
	if err != nil {
		return err
	}

	return writeWorkbook(runs, details, outputPath)
}

func fetchRuns(ctx context.Context, conn *pgx.Conn) ([]runRow, error) {
	rows, err := conn.Query(ctx,
		"SELECT log_id, run_id::text, package_version, started_at, finished_at, mode, status, error_message "+
			"FROM etl_audit_log ORDER BY log_id DESC")
	if err != nil {
		return nil, fmt.Errorf("query etl_audit_log: %w", err)
	}
	defer rows.Close()

	var out []runRow
	for rows.Next() {
		var r runRow
		if err := rows.Scan(&r.LogID, &r.RunID, &r.PackageVersion, &r.StartedAt,
			&r.FinishedAt, &r.Mode, &r.Status, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan etl_audit_log: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func fetchDetails(ctx context.Context, conn *pgx.Conn) ([]detailRow, error) {
	rows, err := conn.Query(ctx,
		"SELECT log_id, dataset, rows_read, rows_inserted, rows_updated, rows_deleted, bytes_loaded, duration_ms "+
			"FROM etl_run_details ORDER BY log_id DESC, detail_id")
	if err != nil {
		return nil, fmt.Errorf("query etl_run_details: %w", err)
	}
	defer rows.Close()

	var out []detailRow
	for rows.Next() {
		var d detailRow
		if err := rows.Scan(&d.LogID, &d.Dataset, &d.RowsRead, &d.RowsInserted,
			&d.RowsUpdated, &d.RowsDeleted, &d.BytesLoaded, &d.DurationMs); err != nil {
			return nil, fmt.Errorf("scan etl_run_details: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func writeWorkbook(runs []runRow, details []detailRow, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})

	// Лист Runs
	const runsSheet = "Runs"
	idx, err := f.NewSheet(runsSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	f.DeleteSheet("Sheet1")

	runHeaders := []string{"log_id", "run_id", "package_version", "started_at", "finished_at", "mode", "status", "error_message"}
	for col, h := range runHeaders {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(runsSheet, cell, h)
		f.SetCellStyle(runsSheet, cell, cell, headerStyle)
	}
	for i, r := range runs {
		row := i + 2
		values := []any{r.LogID, r.RunID, r.PackageVersion, r.StartedAt.Format(time.RFC3339)}
		if r.FinishedAt != nil {
			values = append(values, r.FinishedAt.Format(time.RFC3339))
		} else {
			values = append(values, "")
		}
		values = append(values, r.Mode, r.Status)
		if r.ErrorMessage != nil {
			values = append(values, *r.ErrorMessage)
		} else {
			values = append(values, "")
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(runsSheet, cell, v)
		}
	}

	// Лист Datasets
	const detailsSheet = "Datasets"
	if _, err := f.NewSheet(detailsSheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	detailHeaders := []string{"log_id", "dataset", "rows_read", "rows_inserted", "rows_updated", "rows_deleted", "bytes_loaded", "duration_ms"}
	for col, h := range detailHeaders {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(detailsSheet, cell, h)
		f.SetCellStyle(detailsSheet, cell, cell, headerStyle)
	}
	for i, d := range details {
		row := i + 2
		values := []any{d.LogID, d.Dataset, d.RowsRead, d.RowsInserted, d.RowsUpdated, d.RowsDeleted, d.BytesLoaded, d.DurationMs}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(detailsSheet, cell, v)
		}
	}

	if err := f.SaveAs(outputPath); err != nil {
		return fmt.Errorf("save %s: %w", outputPath, err)
	}
	return nil
}
