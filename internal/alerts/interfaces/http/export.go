package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	alerts "water-cloud/internal/alerts/domain"
)

const alertsSheet = "Alerts"

// renderAlertsXLSX writes one row per alert under a header row.
func renderAlertsXLSX(list []alerts.Alert) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", alertsSheet); err != nil {
		return nil, err
	}
	headers := []string{"ID", "Device", "Severity", "Type", "Message", "Timestamp", "Read"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(alertsSheet, cell, header)
	}
	for i, alert := range list {
		row := i + 2
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("A%d", row), alert.ID)
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("B%d", row), alert.DeviceID)
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("C%d", row), string(alert.Severity))
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("D%d", row), string(alert.Type))
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("E%d", row), alert.Message)
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("F%d", row), alert.Timestamp.UTC().Format(time.RFC3339))
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("G%d", row), alert.IsRead)
	}
	_ = f.SetColWidth(alertsSheet, "E", "E", 60)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
