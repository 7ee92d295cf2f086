package model

// DefinitionFile is the root structure of a definition file. Each file
// declares one domain's entity types and workflow templates.
type DefinitionFile struct {
	Domain      string                 `yaml:"domain"       json:"domain"`
	Version     string                 `yaml:"version"      json:"version"`
	EntityTypes []EntityTypeDefinition `yaml:"entity_types" json:"entity_types,omitempty"`
	Templates   []WorkflowTemplate     `yaml:"templates"    json:"templates,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// EntityTypeDefinition declares the status alphabet and transition table of
// one entity type.
type EntityTypeDefinition struct {
	Name       string             `yaml:"name"       json:"name"`
	Initial    Status             `yaml:"initial"    json:"initial"`
	Capability string             `yaml:"capability" json:"capability,omitempty"`
	Statuses   []StatusDefinition `yaml:"statuses"   json:"statuses"`
}

// StatusDefinition is one status with its legal next statuses. A status with
// no next statuses is terminal.
type StatusDefinition struct {
	Name                 Status   `yaml:"name"                  json:"name"`
	Label                string   `yaml:"label"                 json:"label,omitempty"`
	Next                 []Status `yaml:"next"                  json:"next"`
	RequiresConfirmation bool     `yaml:"requires_confirmation" json:"requires_confirmation,omitempty"`
}
