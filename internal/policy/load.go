package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// Document is the file form of a policy. YAML and CUE files decode into
// the same shape; unset scalars fall back to the named profile.
type Document struct {
	Version            string               `json:"version,omitempty" yaml:"version,omitempty"`
	Profile            string               `json:"profile,omitempty" yaml:"profile,omitempty"`
	RequireTenantScope *bool                `json:"require_tenant_scope,omitempty" yaml:"require_tenant_scope,omitempty"`
	WritesEnabled      *bool                `json:"writes_enabled,omitempty" yaml:"writes_enabled,omitempty"`
	RedactStrategy     string               `json:"redact_strategy,omitempty" yaml:"redact_strategy,omitempty"`
	DefaultFieldAction string               `json:"default_field_action,omitempty" yaml:"default_field_action,omitempty"`
	Budget             *Budget              `json:"budget,omitempty" yaml:"budget,omitempty"`
	Models             map[string]ModelSpec `json:"models,omitempty" yaml:"models,omitempty"`
}

// ModelSpec is the file form of a ModelPolicy.
type ModelSpec struct {
	Allowed    *bool                     `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Readable   *bool                     `json:"readable,omitempty" yaml:"readable,omitempty"`
	Fields     map[string]FieldPolicy    `json:"fields,omitempty" yaml:"fields,omitempty"`
	Relations  map[string]RelationPolicy `json:"relations,omitempty" yaml:"relations,omitempty"`
	Row        RowPolicy                 `json:"row,omitempty" yaml:"row,omitempty"`
	Budget     *Budget                   `json:"budget,omitempty" yaml:"budget,omitempty"`
	Write      WritePolicy               `json:"write,omitempty" yaml:"write,omitempty"`
	AccessRule string                    `json:"access_rule,omitempty" yaml:"access_rule,omitempty"`
}

// FromDocument builds a policy from its file form.
func FromDocument(doc Document) (*Policy, error) {
	profile := doc.Profile
	if profile == "" {
		profile = ProfileProd
	}
	b := NewBuilder().FromProfile(profile).Version(doc.Version)
	if doc.RequireTenantScope != nil {
		b.RequireTenantScope(*doc.RequireTenantScope)
	}
	if doc.WritesEnabled != nil {
		b.WritesEnabled(*doc.WritesEnabled)
	}
	if doc.RedactStrategy != "" {
		b.RedactStrategy(RedactStrategy(strings.ToLower(doc.RedactStrategy)))
	}
	if doc.DefaultFieldAction != "" {
		b.DefaultFieldAction(FieldAction(strings.ToLower(doc.DefaultFieldAction)))
	}
	if doc.Budget != nil {
		b.Budget(b.p.Budget.Merge(doc.Budget))
	}

	for name, md := range doc.Models {
		b.Model(name, func(mp *ModelPolicy) {
			if md.Allowed != nil {
				mp.Allowed = *md.Allowed
			}
			if md.Readable != nil {
				mp.Readable = *md.Readable
			}
			for field, fp := range md.Fields {
				fp.Action = FieldAction(strings.ToLower(string(fp.Action)))
				setField(mp, field, fp)
			}
			for rel, rp := range md.Relations {
				if mp.Relations == nil {
					mp.Relations = make(map[string]RelationPolicy)
				}
				mp.Relations[rel] = rp
			}
			mp.Row = md.Row
			mp.Budget = md.Budget
			mp.Write = md.Write
			mp.AccessRule = md.AccessRule
		})
	}
	return b.Build()
}

// LoadYAML parses a YAML policy document.
func LoadYAML(data []byte) (*Policy, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy yaml: %w", err)
	}
	return FromDocument(doc)
}

// LoadCUE evaluates a CUE policy document. filename is used in error
// positions only.
func LoadCUE(data []byte, filename string) (*Policy, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile policy cue: %w", err)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate policy cue: %w", err)
	}
	var doc Document
	if err := value.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode policy cue: %w", err)
	}
	return FromDocument(doc)
}

// LoadFile reads a policy file, choosing the format by extension.
func LoadFile(path string) (*Policy, error) {
	// #nosec G304 -- policy path is operator-supplied configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(data)
	case ".cue":
		return LoadCUE(data, path)
	default:
		return nil, fmt.Errorf("unsupported policy file extension %q (want .yaml, .yml or .cue)", filepath.Ext(path))
	}
}
