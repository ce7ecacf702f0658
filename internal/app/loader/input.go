package loader

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// manifest is the YAML form of an input list.
type manifest struct {
	Files []string `yaml:"files"`
}

// maxLineLength bounds a single path in a plain input list.
const maxLineLength = 1 << 20

// ForEachInput calls fn with every file named by the input at path. A path
// ending in .yaml or .yml is read as a manifest with a files list; anything
// else is one file per line. Blank lines are skipped and surrounding
// whitespace is trimmed.
func ForEachInput(path string, fn func(string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("could not open input %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return forEachManifestEntry(f, path, fn)
	default:
		return forEachLine(f, path, fn)
	}
}

func forEachManifestEntry(r io.Reader, path string, fn func(string) error) error {
	var m manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil && err != io.EOF {
		return fmt.Errorf("decoding manifest %s: %w", path, err)
	}
	for _, name := range m.Files {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := fn(name); err != nil {
			return err
		}
	}
	return nil
}

func forEachLine(r io.Reader, path string, fn func(string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading input %s: %w", path, err)
	}
	return nil
}
