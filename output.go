package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

// asciiPlot draws a crude vertical bar chart of values scaled to their max.
func asciiPlot(w io.Writer, values []float64) {
	const height = 10 // number of text rows
	n := len(values)
	if n == 0 {
		fmt.Fprintln(w, "no data to plot")
		return
	}
	top := slices.Max(values)
	if top <= 0 {
		top = 1
	}
	for row := height; row >= 1; row-- {
		threshold := float64(row) / float64(height)
		var sb strings.Builder
		for _, v := range values {
			if v/top >= threshold {
				sb.WriteString("█")
			} else {
				sb.WriteString(" ")
			}
		}
		fmt.Fprintln(w, sb.String())
	}
	fmt.Fprintln(w, strings.Repeat("─", n))
	// epoch indices every 5 columns
	var sb strings.Builder
	for i := range values {
		if i%5 == 0 {
			sb.WriteString(strconv.Itoa(i % 10))
		} else {
			sb.WriteString(" ")
		}
	}
	fmt.Fprintln(w, sb.String())
}
