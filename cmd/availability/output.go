package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/johnayoung/go-futures-availability/internal/models"
)

// Output formatting functions

// outputJSON writes v as indented JSON to stdout
func outputJSON(v any) error {
	return writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// outputTable writes rows under headers with columns padded to their widest cell
func outputTable(headers []string, rows [][]string) {
	writeTable(os.Stdout, headers, rows)
}

func writeTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	line := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(headers)
	total := 0
	for _, width := range widths {
		total += width + 2
	}
	fmt.Fprintln(w, strings.Repeat("-", max(total-2, 0)))
	for _, row := range rows {
		line(row)
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "(no rows)")
	}
}

func fmtDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return models.FormatDate(t)
}

func fmtInt[T ~int | ~int64](n T) string {
	return strconv.FormatInt(int64(n), 10)
}

func fmtFloat(f float64, prec int) string {
	return strconv.FormatFloat(f, 'f', prec, 64)
}

func fmtSize(size *int64) string {
	if size == nil {
		return "-"
	}
	return fmtInt(*size)
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// fmtVolume renders USDT volume with a K/M/B suffix.
func fmtVolume(v float64) string {
	switch {
	case v >= 1e9:
		return fmtFloat(v/1e9, 2) + "B"
	case v >= 1e6:
		return fmtFloat(v/1e6, 2) + "M"
	case v >= 1e3:
		return fmtFloat(v/1e3, 2) + "K"
	default:
		return fmtFloat(v, 2)
	}
}
