// Package definition loads JSON definition documents (rules, state machines,
// workflows), validates them, and provides a fast-lookup registry that is
// swapped atomically on reload.
package definition

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/statera-io/statera/model"
)

// Bundle is the parsed content of one definition file. A file may declare
// any mix of rules, state machines, and workflows.
type Bundle struct {
	Rules         []model.Rule         `json:"rules,omitempty"`
	StateMachines []model.StateMachine `json:"state_machines,omitempty"`
	Workflows     []model.Workflow     `json:"workflows,omitempty"`

	// Checksum is computed at load time and not part of the JSON.
	Checksum string `json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `json:"-"`
}

// Merge appends the contents of other into b.
func (b *Bundle) Merge(other Bundle) {
	b.Rules = append(b.Rules, other.Rules...)
	b.StateMachines = append(b.StateMachines, other.StateMachines...)
	b.Workflows = append(b.Workflows, other.Workflows...)
}

// Loader scans directories for JSON definition files, parses them, and
// computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.json files and merges each
// parsed bundle into one combined bundle.
func (l *Loader) LoadAll(directories []string) ([]Bundle, error) {
	var bundles []Bundle

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if strings.ToLower(filepath.Ext(path)) != ".json" {
				return nil
			}

			b, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			bundles = append(bundles, b)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return bundles, nil
}

// LoadFile loads and parses a single JSON definition file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	b.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	b.SourceFile = path

	return b, nil
}
