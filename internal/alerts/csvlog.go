package alerts

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"
)

// FiredAlert is one row of the daily fired-alert log.
type FiredAlert struct {
	Timestamp   time.Time
	AlertID     string
	Symbol      string
	Price       float64
	TargetPrice float64
	Direction   string
}

// LogToCSV appends a single fired alert into alerts_YYYYMMDD.csv
func LogToCSV(f FiredAlert) error {
	filename := fmt.Sprintf("alerts_%s.csv", f.Timestamp.Format("20060102"))
	file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	defer w.Flush()

	row := []string{
		f.Timestamp.Format(time.RFC3339),
		f.AlertID,
		f.Symbol,
		fmt.Sprintf("%.4f", f.Price),
		fmt.Sprintf("%.2f", f.TargetPrice),
		f.Direction,
	}
	return w.Write(row)
}
