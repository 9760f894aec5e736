package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// promptRange asks the user to confirm or override the page range.
// It returns ok=false when the user declines or the input is unusable.
func promptRange(r io.Reader, w io.Writer, defStart, defEnd int) (int, int, bool) {
	scanner := bufio.NewScanner(r)

	fmt.Fprintf(w, "Scrape pages %d to %d? (y/n/custom): ", defStart, defEnd)
	if !scanner.Scan() {
		return 0, 0, false
	}

	switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
	case "y", "yes":
		return defStart, defEnd, true
	case "custom":
		start, ok := promptInt(scanner, w, "Enter start page: ")
		if !ok {
			return 0, 0, false
		}
		end, ok := promptInt(scanner, w, "Enter end page: ")
		if !ok {
			return 0, 0, false
		}
		if start < 1 || end < start {
			fmt.Fprintln(w, "Invalid page range")
			return 0, 0, false
		}
		return start, end, true
	default:
		return 0, 0, false
	}
}

func promptInt(scanner *bufio.Scanner, w io.Writer, label string) (int, bool) {
	fmt.Fprint(w, label)
	if !scanner.Scan() {
		return 0, false
	}
	value, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		fmt.Fprintln(w, "Invalid input")
		return 0, false
	}
	return value, true
}
