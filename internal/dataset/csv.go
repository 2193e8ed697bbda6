// Package dataset loads and streams the two measurement domains.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var ErrEmpty = errors.New("dataset is empty")

// LoadCSV reads a comma separated numeric matrix. A leading non-numeric row
// is treated as a header and skipped.
func LoadCSV(path string) (*mat.Dense, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("csv path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", path, err)
	}
	defer f.Close()

	m, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func ReadCSV(in io.Reader) (*mat.Dense, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		data   []float64
		cols   int
		rows   int
		line   int
		header bool
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", line+1, err)
		}
		line++
		if blankRecord(record) {
			continue
		}

		values, err := parseRecord(record)
		if err != nil {
			if rows == 0 && !header {
				header = true
				continue
			}
			return nil, fmt.Errorf("parse csv row %d: %w", line, err)
		}
		if rows == 0 {
			cols = len(values)
		} else if len(values) != cols {
			return nil, fmt.Errorf("csv row %d has %d columns, want %d", line, len(values), cols)
		}
		data = append(data, values...)
		rows++
	}
	if rows == 0 || cols == 0 {
		return nil, ErrEmpty
	}
	return mat.NewDense(rows, cols, data), nil
}

// WriteCSV writes m with one row per line. Values use the shortest
// representation that round-trips.
func WriteCSV(w io.Writer, m mat.Matrix) error {
	writer := csv.NewWriter(w)
	r, c := m.Dims()
	record := make([]string, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			record[j] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func parseRecord(record []string) ([]float64, error) {
	values := make([]float64, len(record))
	for i, field := range record {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func blankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
