package series

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var csvHeader = []string{"series", "granularity", "period", "value"}

// LoadCSVFile reads a series library from a CSV file.
func LoadCSVFile(filename string) (Library, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open series file %s: %w", filename, err)
	}
	defer file.Close()

	return LoadCSV(file)
}

// LoadCSV reads rows of series,granularity,period,value. Rows of one series
// may appear in any order but must share a granularity.
func LoadCSV(r io.Reader) (Library, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read series CSV: %w", err)
	}

	if len(records) < 2 {
		return nil, fmt.Errorf("series CSV must have header and at least one data row")
	}
	if !validateHeader(records[0], csvHeader) {
		return nil, fmt.Errorf("series CSV header mismatch. Expected: %v, Got: %v", csvHeader, records[0])
	}

	type pending struct {
		granularity Granularity
		points      []Point
	}
	var order []string
	byName := make(map[string]*pending)

	for i, record := range records[1:] {
		row := i + 2
		if len(record) != len(csvHeader) {
			return nil, fmt.Errorf("series CSV row %d: expected %d columns, got %d", row, len(csvHeader), len(record))
		}

		name := strings.TrimSpace(record[0])
		if name == "" {
			return nil, fmt.Errorf("series CSV row %d: series name is required", row)
		}
		g, err := ParseGranularity(strings.TrimSpace(record[1]))
		if err != nil {
			return nil, fmt.Errorf("series CSV row %d: %w", row, err)
		}
		period, err := strconv.Atoi(strings.TrimSpace(record[2]))
		if err != nil {
			return nil, fmt.Errorf("series CSV row %d: invalid period %q: %w", row, record[2], err)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(record[3]), 64)
		if err != nil {
			return nil, fmt.Errorf("series CSV row %d: invalid value %q: %w", row, record[3], err)
		}

		p, ok := byName[name]
		if !ok {
			p = &pending{granularity: g}
			byName[name] = p
			order = append(order, name)
		} else if p.granularity != g {
			return nil, fmt.Errorf("series CSV row %d: series %q mixes %s and %s periods", row, name, p.granularity, g)
		}
		p.points = append(p.points, Point{Period: period, Value: value})
	}

	lib := make(Library, len(order))
	for _, name := range order {
		p := byName[name]
		s, err := FromPoints(name, p.granularity, p.points)
		if err != nil {
			return nil, err
		}
		lib.Add(s)
	}
	return lib, nil
}

// writeCSV writes the library in the format LoadCSV reads, series sorted by name.
func writeCSV(w io.Writer, lib Library) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, name := range lib.Names() {
		s := lib[name]
		for _, p := range s.Points() {
			rec := []string{
				s.name,
				string(s.granularity),
				strconv.Itoa(p.Period),
				strconv.FormatFloat(p.Value, 'g', -1, 64),
			}
			if err := writer.Write(rec); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	return writer.Error()
}

func validateHeader(actual, expected []string) bool {
	if len(actual) != len(expected) {
		return false
	}
	for i, col := range expected {
		if strings.TrimSpace(strings.ToLower(actual[i])) != col {
			return false
		}
	}
	return true
}
