package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/policy"
	"github.com/roach88/querygate/internal/redact"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/schema"
)

// SchemaDescription is the describe_schema result.
type SchemaDescription struct {
	Models []ModelDescription `json:"models"`
}

// ModelDescription is one model as the calling principal sees it.
type ModelDescription struct {
	Name       string                `json:"name"`
	PrimaryKey []string              `json:"primary_key"`
	Fields     []FieldDescription    `json:"fields"`
	Relations  []RelationDescription `json:"relations,omitempty"`
	Writes     []string              `json:"writes,omitempty"`
	Budget     policy.Budget         `json:"budget"`
}

// FieldDescription describes one readable field. Redaction names the
// transformation applied on the way out, if any.
type FieldDescription struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Nullable  bool   `json:"nullable"`
	Redaction string `json:"redaction,omitempty"`
}

// RelationDescription describes one relation usable in include.
type RelationDescription struct {
	Name    string              `json:"name"`
	Target  string              `json:"target"`
	Kind    schema.RelationKind `json:"kind"`
	MaxTake int                 `json:"max_take,omitempty"`
}

func (rt *runtime) describe(ctx context.Context, input map[string]any, rc runctx.RunContext) (any, Meta, error) {
	meta := Meta{Model: modelOf(input)}
	p, md, err := rt.load(ctx)
	if err != nil {
		return nil, meta, err
	}

	all := p.VisibleModels(rc.Principal, md.ModelNames())
	isVisible := make(map[string]bool, len(all))
	for _, name := range all {
		isVisible[name] = true
	}
	visible := all
	if meta.Model != "" {
		if err := p.CheckRead(rc.Principal, meta.Model); err != nil {
			return nil, meta, err
		}
		if _, ok := md.Model(meta.Model); !ok {
			return nil, meta, errs.ModelNotAllowed(meta.Model).With("reason", "unknown model")
		}
		visible = []string{meta.Model}
	}

	out := SchemaDescription{Models: make([]ModelDescription, 0, len(visible))}
	for _, name := range visible {
		mm, _ := md.Model(name)
		out.Models = append(out.Models, describeModel(p, mm, isVisible))
	}
	meta.PolicyDecisions = []string{fmt.Sprintf("describe:models=%d", len(out.Models))}
	return out, meta, nil
}

func describeModel(p *policy.Policy, mm schema.ModelMetadata, visible map[string]bool) ModelDescription {
	d := ModelDescription{
		Name:       mm.Name,
		PrimaryKey: mm.PrimaryKey,
		Fields:     []FieldDescription{},
		Budget:     p.EffectiveBudget(mm.Name),
	}
	for _, f := range mm.FieldNames() {
		action := p.ResolveField(mm.Name, f).Action
		if action == policy.ActionDeny {
			continue
		}
		fd := mm.Fields[f]
		desc := FieldDescription{Name: f, Type: fd.Type, Nullable: fd.Nullable}
		if action != policy.ActionAllow {
			desc.Redaction = string(action)
		}
		d.Fields = append(d.Fields, desc)
	}
	for _, name := range sortedRelations(mm) {
		rel := mm.Relations[name]
		rp, err := p.CheckRelation(mm.Name, name)
		if err != nil || !visible[rel.Target] {
			continue
		}
		d.Relations = append(d.Relations, RelationDescription{
			Name:    name,
			Target:  rel.Target,
			Kind:    rel.Kind,
			MaxTake: rp.MaxTake,
		})
	}
	for _, op := range []string{dsl.OperationCreate, dsl.OperationUpdate, dsl.OperationDelete} {
		if _, err := p.CheckWrite(mm.Name, op); err == nil {
			d.Writes = append(d.Writes, op)
		}
	}
	return d
}

func (rt *runtime) query(ctx context.Context, input map[string]any, rc runctx.RunContext) (any, Meta, error) {
	req, err := dsl.ParseQuery(input)
	if err != nil {
		return nil, Meta{Model: modelOf(input)}, err
	}
	meta := Meta{Model: req.Model}
	p, md, err := rt.load(ctx)
	if err != nil {
		return nil, meta, err
	}
	cq, err := rt.adapter.CompileQuery(ctx, req, rc, p, md)
	if err != nil {
		return nil, meta, err
	}
	meta.PolicyDecisions = cq.PolicyDecisions
	res, err := rt.adapter.ExecuteQuery(ctx, cq, rc)
	if err != nil {
		return nil, meta, err
	}
	for i, row := range res.Data {
		res.Data[i] = redactRow(p, cq.Model, cq.Includes, row)
	}
	n := len(res.Data)
	meta.RowCount = &n
	return res, meta, nil
}

func (rt *runtime) get(ctx context.Context, input map[string]any, rc runctx.RunContext) (any, Meta, error) {
	req, err := dsl.ParseGet(input)
	if err != nil {
		return nil, Meta{Model: modelOf(input)}, err
	}
	meta := Meta{Model: req.Model}
	p, md, err := rt.load(ctx)
	if err != nil {
		return nil, meta, err
	}
	cq, err := rt.adapter.CompileGet(ctx, req, rc, p, md)
	if err != nil {
		return nil, meta, err
	}
	meta.PolicyDecisions = cq.PolicyDecisions
	res, err := rt.adapter.ExecuteGet(ctx, cq, rc)
	if err != nil {
		return nil, meta, err
	}
	n := 0
	if res.Found {
		res.Data = redactRow(p, cq.Model, cq.Includes, res.Data)
		n = 1
	}
	meta.RowCount = &n
	return res, meta, nil
}

func (rt *runtime) aggregate(ctx context.Context, input map[string]any, rc runctx.RunContext) (any, Meta, error) {
	req, err := dsl.ParseAggregate(input)
	if err != nil {
		return nil, Meta{Model: modelOf(input)}, err
	}
	meta := Meta{Model: req.Model}
	p, md, err := rt.load(ctx)
	if err != nil {
		return nil, meta, err
	}
	cq, err := rt.adapter.CompileAggregate(ctx, req, rc, p, md)
	if err != nil {
		return nil, meta, err
	}
	meta.PolicyDecisions = cq.PolicyDecisions
	res, err := rt.adapter.ExecuteAggregate(ctx, cq, rc)
	if err != nil {
		return nil, meta, err
	}
	n := int(res.RowCount)
	meta.RowCount = &n
	return res, meta, nil
}

// redactRow redacts a row under its own model and each included relation
// under the relation's target model.
func redactRow(p *policy.Policy, model string, includes map[string]string, row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	own := make(map[string]any, len(row))
	nested := make(map[string]any, len(includes))
	for k, v := range row {
		if _, ok := includes[k]; ok {
			nested[k] = v
			continue
		}
		own[k] = v
	}
	out := redact.New(p, model).RedactRecord(own)
	for rel, v := range nested {
		r := redact.New(p, includes[rel])
		switch v := v.(type) {
		case map[string]any:
			out[rel] = r.RedactRecord(v)
		case []map[string]any:
			out[rel] = r.RedactRecords(v)
		default:
			out[rel] = v
		}
	}
	return out
}

func sortedRelations(mm schema.ModelMetadata) []string {
	names := make([]string, 0, len(mm.Relations))
	for name := range mm.Relations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
