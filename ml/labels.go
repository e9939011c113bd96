package ml

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// ReadLabels reads a label table from a text file, one label per line.
// If the file holds a single line, that line is split by commas and then by
// spaces, since some label files pack everything onto one line.
func ReadLabels(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(labels) == 1 {
		labels = strings.Split(labels[0], ",")
	}
	if len(labels) == 1 {
		labels = strings.Split(labels[0], " ")
	}
	return labels, nil
}
