package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/signoff/model"
)

// policyFile is the static policy document:
//
//	roles:
//	  notary: [workflow:steps:override]
//	  admin:  ["workflow:*"]
//	users:
//	  ops-bot: [workflow:instances:cancel]
type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
	Users map[string][]string `yaml:"users"`
}

// StaticPolicyEvaluator resolves capabilities from a YAML file mapping roles,
// and optionally individual subjects, to capability strings.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates an evaluator that loads its policy from path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewStaticPolicy creates an evaluator from an in-memory role mapping. Sync
// is a no-op for it.
func NewStaticPolicy(roles map[string][]string) *StaticPolicyEvaluator {
	return &StaticPolicyEvaluator{policy: policyFile{Roles: roles}}
}

// ResolveCapabilities returns the union of the capabilities of every role of
// the actor and of the actor's own subject entry.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, cap := range e.policy.Roles[role] {
			caps[cap] = true
		}
	}
	for _, cap := range e.policy.Users[rctx.SubjectID] {
		caps[cap] = true
	}
	return caps, nil
}

// Sync reloads the policy file from disk.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
