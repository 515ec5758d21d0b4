package fft

import (
	"encoding/csv"
	"io"
	"strconv"
)

// WriteCSV writes one "frequency,magnitude" row per component of every window.
func WriteCSV(w io.Writer, windows []Window) error {
	cw := csv.NewWriter(w)
	row := make([]string, 2)
	for _, win := range windows {
		for _, c := range win.Components {
			row[0] = strconv.FormatFloat(c.Frequency, 'f', -1, 64)
			row[1] = strconv.FormatFloat(c.Magnitude, 'g', 8, 64)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
