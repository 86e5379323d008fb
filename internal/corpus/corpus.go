package corpus

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	QuestionColumn = "questions"
	AnswerColumn   = "answers"
)

// Record is one question/answer pair from the call-centre dataset.
// Fields carries every column of the source row, keyed by header name.
type Record struct {
	Question string
	Answer   string
	Fields   map[string]string
}

// Text renders the record with the fixed template used for embedding.
func (r Record) Text() string {
	return fmt.Sprintf("Question: %s Answer: %s", strings.TrimSpace(r.Question), strings.TrimSpace(r.Answer))
}

// Texts renders every record in order.
func Texts(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Text()
	}
	return out
}

// LoadCSV reads the dataset at path. A missing file is reported with an error
// wrapping os.ErrNotExist.
func LoadCSV(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset: %w", err)
	}
	defer f.Close()

	records, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", path, err)
	}
	return records, nil
}

// Read parses CSV data with a header row containing at least the questions
// and answers columns. Missing values become empty strings; rows are never
// dropped.
func Read(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty dataset: missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	qIdx, aIdx := -1, -1
	for i, h := range header {
		switch h {
		case QuestionColumn:
			qIdx = i
		case AnswerColumn:
			aIdx = i
		}
	}
	if qIdx < 0 || aIdx < 0 {
		return nil, fmt.Errorf("dataset must have %q and %q columns, got %v", QuestionColumn, AnswerColumn, header)
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", line, err)
		}

		fields := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(row) {
				fields[h] = row[i]
			} else {
				fields[h] = ""
			}
		}

		q := cleanValue(fields[QuestionColumn])
		a := cleanValue(fields[AnswerColumn])
		fields[QuestionColumn] = q
		fields[AnswerColumn] = a

		records = append(records, Record{Question: q, Answer: a, Fields: fields})
	}
	return records, nil
}

// missingMarkers are the cell values a spreadsheet export uses for "no value".
var missingMarkers = map[string]struct{}{
	"": {}, "NA": {}, "N/A": {}, "n/a": {}, "#N/A": {}, "NaN": {}, "nan": {},
	"-NaN": {}, "-nan": {}, "null": {}, "NULL": {}, "None": {}, "<NA>": {},
}

func cleanValue(v string) string {
	if _, missing := missingMarkers[strings.TrimSpace(v)]; missing {
		return ""
	}
	return v
}
