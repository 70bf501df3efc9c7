package main

import (
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aldrik/go-n2k"
)

// csvExport selects fields of one PGN to be appended as rows to a CSV file.
// Pseudo fields `_time`, `_time_ms`, `_time_nano` (optionally with a truncate
// duration, `_time_ms(100ms)`), `_src`, `_dst` and `_prio` come from the
// message envelope, everything else is looked up by field ID.
type csvExport struct {
	PGN      uint32
	fileName string
	header   []string
	fields   []exportField
}

type exportField struct {
	id       string
	truncate time.Duration
}

type csvExports []csvExport

// Match looks up the export configured for the message's PGN and renders its
// row values. Reports false when no export applies or no value resolved.
func (c csvExports) Match(msg n2k.Message, now time.Time) (csvExport, []string, bool) {
	var found csvExport
	ok := false
	for _, e := range c {
		if e.PGN == msg.Header.PGN {
			found = e
			ok = true
			break
		}
	}
	if !ok {
		return csvExport{}, nil, false
	}

	values := make([]string, 0, len(found.fields))
	for _, ef := range found.fields {
		v := ""
		switch ef.id {
		case "_time":
			v = strconv.FormatInt(truncated(now, ef.truncate).Unix(), 10)
		case "_time_ms":
			v = strconv.FormatInt(truncated(now, ef.truncate).UnixMilli(), 10)
		case "_time_nano":
			v = strconv.FormatInt(truncated(now, ef.truncate).UnixNano(), 10)
		case "_src":
			v = strconv.FormatInt(int64(msg.Header.Source), 10)
		case "_dst":
			v = strconv.FormatInt(int64(msg.Header.Destination), 10)
		case "_prio":
			v = strconv.FormatInt(int64(msg.Header.Priority), 10)
		default:
			if fv, ok := msg.Fields.FindByID(ef.id); ok {
				v = renderValue(fv)
			}
		}
		values = append(values, v)
	}
	if len(values) <= 1 {
		return csvExport{}, nil, false
	}
	return found, values, true
}

func truncated(now time.Time, truncate time.Duration) time.Time {
	if truncate > 0 {
		return now.Truncate(truncate)
	}
	return now
}

func renderValue(fv n2k.FieldValue) string {
	switch v := fv.Value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case n2k.EnumValue:
		return v.Code
	}
	f, ok := fv.AsFloat64()
	if !ok || math.IsInf(f, 0) || math.IsNaN(f) {
		return ""
	}
	return fmt.Sprintf("%.8g", f)
}

// WriteRow appends one row to the export's CSV file, writing the header row
// first when the file does not exist yet.
func (e csvExport) WriteRow(values []string) error {
	fileExists := false
	fi, err := os.Stat(e.fileName)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("csv file check failure, err: %w", err)
	}
	if fi != nil {
		fileExists = true
		if fi.IsDir() {
			return fmt.Errorf("csv file overlaps with directory, file: %s", e.fileName)
		}
	}

	csvFile, err := os.OpenFile(e.fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer csvFile.Close()

	w := csv.NewWriter(csvFile)
	if !fileExists {
		if err := w.Write(e.header); err != nil {
			return fmt.Errorf("csv failed to write header, err: %w", err)
		}
	}
	if err := w.Write(values); err != nil {
		return fmt.Errorf("csv failed to write row, err: %w", err)
	}
	w.Flush()
	return w.Error()
}

// parseCSVExports parses the -csv-fields argument:
// 129025:latitude,longitude;65280:_time_ms(100ms),manufacturerCode
func parseCSVExports(raw string) (csvExports, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	result := make(csvExports, 0)
	for _, p := range strings.Split(raw, ";") {
		pgnRaw, fieldsRaw, ok := strings.Cut(p, ":")
		if !ok {
			continue
		}
		pgn, err := strconv.ParseUint(strings.TrimSpace(pgnRaw), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("csv fields: failed to parse PGN, err: %w", err)
		}

		header := make([]string, 0)
		fields := make([]exportField, 0)
		for _, f := range strings.Split(fieldsRaw, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			var truncate time.Duration
			if strings.HasPrefix(f, "_time") {
				start := strings.IndexByte(f, '(')
				end := strings.LastIndexByte(f, ')')
				if start != -1 && start+1 < end {
					truncate, err = time.ParseDuration(f[start+1 : end])
					if err != nil {
						return nil, fmt.Errorf("csv fields: invalid _time format, err: %w", err)
					}
					f = f[0:start]
				}
			}
			fields = append(fields, exportField{id: f, truncate: truncate})
			header = append(header, f)
		}
		if len(header) == 0 {
			continue
		}

		hash := md5.Sum([]byte(strings.Join(header, ",")))
		result = append(result, csvExport{
			PGN:      uint32(pgn),
			fileName: fmt.Sprintf("%v_%v.csv", pgn, hex.EncodeToString(hash[:])),
			header:   header,
			fields:   fields,
		})
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}
