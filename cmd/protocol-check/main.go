// Command protocol-check validates protocol definition documents before they
// are published to a definition library. It exits non-zero when any document
// fails validation.
package main

import (
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"protocolcore/internal/loader"
)

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("protocol-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var dir string
	fs.StringVar(&dir, "dir", "", "validate every .json document under this directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	paths := fs.Args()
	if dir != "" {
		found, err := collectDocuments(dir)
		if err != nil {
			fmt.Fprintf(stderr, "protocol-check: %v\n", err)
			return 1
		}
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		fmt.Fprintln(stderr, "protocol-check: no documents given (pass paths or -dir)")
		return 2
	}

	failed := 0
	for _, p := range paths {
		if err := checkDocument(p); err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", p, err)
			failed++
			continue
		}
		fmt.Fprintf(stdout, "%s: ok\n", p)
	}
	if failed > 0 {
		fmt.Fprintf(stderr, "protocol-check: %d of %d documents failed validation\n", failed, len(paths))
		return 1
	}
	return 0
}

// validatePath rejects absolute and path-traversing references so the tool
// only reads documents inside the working tree.
func validatePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("absolute paths not allowed: %s", p)
	}
	clean := filepath.Clean(p)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", p)
	}
	return clean, nil
}

func collectDocuments(dir string) ([]string, error) {
	safeDir, err := validatePath(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(safeDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".json" {
			return nil
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func checkDocument(p string) error {
	safePath, err := validatePath(p)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(safePath) // #nosec G304: path validated by validatePath
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	if _, err := loader.Parse(data); err != nil {
		return err
	}
	return nil
}
