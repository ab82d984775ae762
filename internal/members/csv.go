package members

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"libattend/internal/attendance"
	"libattend/internal/validation"
)

// CSV columns accepted by ParseCSV. "branch" maps to Record.Department.
var csvHeader = []string{"usn", "name", "branch", "semester", "email", "phone"}

var requiredColumns = []string{"usn", "name", "branch", "semester"}

// RowError reports a CSV row that was skipped.
type RowError struct {
	Line    int    `json:"line"`
	USN     string `json:"usn,omitempty"`
	Message string `json:"message"`
}

// CSVTemplate returns the import header followed by one example row.
func CSVTemplate() string {
	return strings.Join(csvHeader, ",") + "\n" +
		"1AB21CS001,Asha Rao,CSE,3,asha@example.edu,9876543210\n"
}

// ParseCSV reads member records. Columns are matched by header name in any
// order. Rows that fail validation are returned as RowErrors; an error is
// returned only when the input cannot be read or the header is unusable.
func ParseCSV(r io.Reader) ([]Record, []RowError, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("csv: empty input")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("csv header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, nil, fmt.Errorf("csv: missing column %q", col)
		}
	}

	v := validation.New()
	records := make([]Record, 0)
	var rowErrs []RowError
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				rowErrs = append(rowErrs, RowError{Line: pe.Line, Message: pe.Err.Error()})
				continue
			}
			return nil, nil, fmt.Errorf("csv: %w", err)
		}
		if blank(row) {
			continue
		}
		line, _ := cr.FieldPos(0)

		get := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		rec := Record{
			USN:        attendance.NormalizeUSN(get("usn")),
			Name:       get("name"),
			Department: get("branch"),
			Email:      get("email"),
			Phone:      get("phone"),
		}
		if s := get("semester"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				rowErrs = append(rowErrs, RowError{Line: line, USN: rec.USN, Message: "semester must be a number"})
				continue
			}
			rec.Semester = n
		}
		if err := v.Struct(rec); err != nil {
			rowErrs = append(rowErrs, RowError{Line: line, USN: rec.USN, Message: validation.Message(err)})
			continue
		}
		records = append(records, rec)
	}
	return records, rowErrs, nil
}

func blank(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
