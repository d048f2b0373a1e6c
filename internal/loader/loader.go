// Package loader parses protocol definition documents and keeps a versioned
// library of validated definitions. All malformation is rejected here, at
// load time; the execution engine never discovers a bad definition
// mid-execution.
package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"protocolcore/internal/acceptance"
	"protocolcore/pkg/domain"
)

// Parse decodes one protocol definition document and validates it. The
// returned Definition is immutable and safe to share.
func Parse(data []byte) (*domain.Definition, error) {
	var in domain.DefinitionInput
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return nil, domain.DefinitionError{Protocol: in.ProtocolID, Field: "document", Reason: err.Error()}
	}
	def, err := domain.NewDefinition(in)
	if err != nil {
		return nil, err
	}
	// Structural validation cannot know the calculation table; check the
	// names criteria reference against the default table here.
	known := acceptance.NewEvaluator()
	for _, crit := range def.AcceptanceCriteria() {
		if crit.Calculation != "" && !known.KnownCalculation(crit.Calculation) {
			return nil, domain.DefinitionError{
				Protocol: def.ID(),
				Field:    "acceptance_criteria." + crit.ID,
				Reason:   fmt.Sprintf("unknown calculation %q", crit.Calculation),
			}
		}
	}
	return def, nil
}

// Library is a versioned in-memory registry of protocol definitions. It
// implements domain.DefinitionSource. Explicitly constructed and injected,
// never a process-wide singleton.
type Library struct {
	mu   sync.RWMutex
	defs map[string]*domain.Definition
}

// NewLibrary constructs an empty library.
func NewLibrary() *Library {
	return &Library{defs: make(map[string]*domain.Definition)}
}

var _ domain.DefinitionSource = (*Library)(nil)

func key(id, version string) string { return id + "@" + version }

// Register adds a validated definition. Re-registering an existing
// id+version is an error: published protocol versions are immutable.
func (l *Library) Register(def *domain.Definition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(def.ID(), def.Version())
	if _, ok := l.defs[k]; ok {
		return domain.ConflictError{Kind: "protocol definition", ID: k}
	}
	l.defs[k] = def
	return nil
}

// LoadDefinition resolves a definition by id and version.
func (l *Library) LoadDefinition(_ context.Context, id, version string) (*domain.Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[key(id, version)]
	if !ok {
		return nil, domain.ErrNotFound{Kind: "protocol definition", ID: key(id, version)}
	}
	return def, nil
}

// Versions lists the registered versions of a protocol id, sorted.
func (l *Library) Versions(id string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for k := range l.defs {
		if strings.HasPrefix(k, id+"@") {
			out = append(out, strings.TrimPrefix(k, id+"@"))
		}
	}
	sort.Strings(out)
	return out
}

// LoadDir parses and registers every .json document under root in fsys.
// It returns the number of definitions registered.
func (l *Library) LoadDir(fsys fs.FS, root string) (int, error) {
	loaded := 0
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".json" {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		def, err := Parse(data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}
		if err := l.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", p, err)
		}
		loaded++
		return nil
	})
	return loaded, err
}
