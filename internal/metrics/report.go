package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"doseaccum/internal/fileutil"
)

var (
	overlapHeader    = []string{"patient", "fraction", "dice", "hd95", "precision", "recall"}
	mutualInfoHeader = []string{"patient", "fraction", "mutual_information"}
)

// Report accumulates complete CSV rows and writes them in one atomic step.
type Report struct {
	header []string
	rows   [][]string
}

// NewOverlapReport returns an empty structure overlap report.
func NewOverlapReport() *Report {
	return &Report{header: overlapHeader}
}

// NewMutualInfoReport returns an empty mutual information report.
func NewMutualInfoReport() *Report {
	return &Report{header: mutualInfoHeader}
}

// AddOverlap appends one overlap row.
func (r *Report) AddOverlap(patient, fraction string, o Overlap) {
	r.add(patient, fraction, o.Dice, o.HD95, o.Precision, o.Recall)
}

// AddMutualInfo appends one mutual information row.
func (r *Report) AddMutualInfo(patient, fraction string, mi float64) {
	r.add(patient, fraction, mi)
}

func (r *Report) add(patient, fraction string, values ...float64) {
	row := make([]string, 0, 2+len(values))
	row = append(row, patient, fraction)
	for _, v := range values {
		row = append(row, formatFloat(v))
	}
	r.rows = append(r.rows, row)
}

// Len returns the number of data rows.
func (r *Report) Len() int { return len(r.rows) }

// Write emits the header and every row.
func (r *Report) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(r.header); err != nil {
		return err
	}
	if err := cw.WriteAll(r.rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// WriteFile atomically writes the report to path.
func (r *Report) WriteFile(path string) error {
	return fileutil.WriteAtomic(path, 0o644, r.Write)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
