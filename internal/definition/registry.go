package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/signoff/model"
)

// snapshot is an immutable view of the loaded definition files.
type snapshot struct {
	domains  map[string]model.DefinitionFile
	compiled Compiled
	checksum string
}

// Registry is a read-optimized, thread-safe holder of the compiled
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from already compiled definitions.
func NewRegistry(defs []model.DefinitionFile, compiled Compiled) *Registry {
	r := &Registry{}
	r.Replace(defs, compiled)
	return r
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(defs []model.DefinitionFile, compiled Compiled) {
	s := &snapshot{
		domains:  make(map[string]model.DefinitionFile, len(defs)),
		compiled: compiled,
	}

	var checksumParts []string
	for _, def := range defs {
		s.domains[def.Domain] = def
		checksumParts = append(checksumParts, def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetDomain returns the definition file declaring the given domain.
func (r *Registry) GetDomain(domain string) (model.DefinitionFile, bool) {
	d, ok := r.current().domains[domain]
	return d, ok
}

// Domains returns the loaded domain names, sorted.
func (r *Registry) Domains() []string {
	s := r.current()
	names := make([]string, 0, len(s.domains))
	for name := range s.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Templates returns the compiled templates in declaration order.
func (r *Registry) Templates() []model.WorkflowTemplate {
	return append([]model.WorkflowTemplate(nil), r.current().compiled.Templates...)
}

// Count returns the number of loaded definition files.
func (r *Registry) Count() int {
	return len(r.current().domains)
}

// Checksum returns the combined SHA-256 checksum of all loaded files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
