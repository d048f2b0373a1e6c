package testutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

const testForbiddenImport = "some/forbidden/package"

func TestDomainImportForbiddenPredicate(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"example.com/mod/pkg/domain", true},
		{"example.com/mod/pkg/domain@v1", true},
		{"protocolcore/pkg/domain", true},
		{"example.com/mod/pkg/notdomain", false},
		{"example.com/pkg/domain/subpackage", false},
		{"", false},
	}
	for _, c := range cases {
		if got := DomainImportForbidden(c.in); got != c.want {
			t.Fatalf("DomainImportForbidden(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestInternalImportForbiddenPredicate(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"example.com/mod/internal/x", true},
		{"some/internal/path", true},
		{"example.com/mod/pkg/x", false},
		{"example.com/internal", false},
		{"notinternal", false},
		{"", false},
	}
	for _, c := range cases {
		if got := InternalImportForbidden(c.in); got != c.want {
			t.Fatalf("InternalImportForbidden(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestNonStdlibForbiddenPredicate(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"fmt", false},
		{"encoding/json", false},
		{"golang.org/x/tools/go/packages", true},
		{"github.com/google/uuid", true},
		{"protocolcore/pkg/domain", false},
	}
	for _, c := range cases {
		if got := NonStdlibForbidden(c.in); got != c.want {
			t.Fatalf("NonStdlibForbidden(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

// TestAssertNoDirectImports exercises the success path with a tiny temp package.
func TestAssertNoDirectImports(t *testing.T) {
	dir := t.TempDir()
	src := []byte("package tmp\nimport \"fmt\"\nfunc X(){fmt.Println(1)}")
	if err := os.WriteFile(filepath.Join(dir, "x.go"), src, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	AssertNoDirectImports(t, dir, func(string) bool { return false }, "none")
}

// TestDirectImportViolationsIgnoresTestFiles creates a _test.go file carrying a
// forbidden import and verifies the scan skips it.
func TestDirectImportViolationsIgnoresTestFiles(t *testing.T) {
	dir := t.TempDir()
	src := []byte("package tmp\nimport \"fmt\"\nfunc X(){fmt.Println(1)}")
	if err := os.WriteFile(filepath.Join(dir, "main.go"), src, 0o600); err != nil {
		t.Fatalf("write main: %v", err)
	}
	testSrc := []byte("package tmp\nimport \"testing\"\nimport _ \"" + testForbiddenImport + "\"\nfunc TestX(t *testing.T){}")
	if err := os.WriteFile(filepath.Join(dir, "main_test.go"), testSrc, 0o600); err != nil {
		t.Fatalf("write test: %v", err)
	}
	viols, err := directImportViolations(dir, func(ip string) bool { return ip == testForbiddenImport })
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 0 {
		t.Fatalf("expected no violations, got %v", viols)
	}
}

func TestDirectImportViolationsDetects(t *testing.T) {
	dir := t.TempDir()
	src := []byte("package tmp\nimport (\n\t\"fmt\"\n\t_ \"" + testForbiddenImport + "\"\n)\nfunc X(){fmt.Println(1)}")
	if err := os.WriteFile(filepath.Join(dir, "bad.go"), src, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	viols, err := directImportViolations(dir, func(ip string) bool { return ip == testForbiddenImport })
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || !strings.Contains(viols[0], "bad.go") {
		t.Fatalf("expected one violation naming bad.go, got %v", viols)
	}
}

// TestTransitiveDependencyViolations stubs the package loader so the walk can
// be verified without invoking the build system.
func TestTransitiveDependencyViolations(t *testing.T) {
	restore := loadPackages
	defer func() { loadPackages = restore }()

	leaf := &packages.Package{PkgPath: "example.com/mod/internal/forbidden"}
	mid := &packages.Package{
		PkgPath: "example.com/mod/pkg/ok",
		Imports: map[string]*packages.Package{leaf.PkgPath: leaf},
	}
	root := &packages.Package{
		PkgPath: "example.com/mod",
		Imports: map[string]*packages.Package{mid.PkgPath: mid},
	}
	loadPackages = func(pattern string) ([]*packages.Package, error) {
		if pattern != "./..." {
			t.Fatalf("unexpected pattern %q", pattern)
		}
		return []*packages.Package{root}, nil
	}

	viols, err := transitiveDependencyViolations("./...", InternalImportForbidden)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(viols) != 1 || viols[0] != leaf.PkgPath {
		t.Fatalf("expected %q, got %v", leaf.PkgPath, viols)
	}
}

func TestTransitiveDependencyViolationsLoadError(t *testing.T) {
	restore := loadPackages
	defer func() { loadPackages = restore }()

	loadPackages = func(string) ([]*packages.Package, error) {
		return nil, errors.New("boom")
	}
	if _, err := transitiveDependencyViolations("./...", func(string) bool { return false }); err == nil {
		t.Fatalf("expected load error")
	}
}

type recordingLogger struct {
	failed  bool
	message string
}

func (r *recordingLogger) Fatalf(format string, args ...any) {
	r.failed = true
	r.message = fmt.Sprintf(format, args...)
}

func TestFailHelpersReportViolations(t *testing.T) {
	var rec recordingLogger
	failIfTransitiveViolations(&rec, "layering", []string{"example.com/mod/internal/x"})
	if !rec.failed || !strings.Contains(rec.message, "layering") {
		t.Fatalf("expected transitive failure mentioning reason, got %q", rec.message)
	}

	rec = recordingLogger{}
	failIfDirectViolations(&rec, "boundary", nil)
	if rec.failed {
		t.Fatalf("expected no failure for empty violation list")
	}
}
