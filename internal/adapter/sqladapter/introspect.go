package sqladapter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/querysql"
	"github.com/roach88/querygate/internal/schema"
)

type columnInfo struct {
	table    string
	name     string
	typ      string
	nullable bool
}

type foreignKey struct {
	table        string
	column       string
	targetTable  string
	targetColumn string
}

// catalog is the raw result of introspection before it becomes models.
type catalog struct {
	columns []columnInfo
	primary map[string][]string
	foreign []foreignKey
}

// Introspect implements adapter.Adapter. Tables become models, columns
// become fields with the column name, and every foreign key yields a
// belongs_to relation on the referencing model and a has_many relation on
// the referenced one.
func (a *Adapter) Introspect(ctx context.Context) (*schema.Metadata, error) {
	var (
		cat catalog
		err error
	)
	switch a.dialect {
	case querysql.SQLite:
		cat, err = a.sqliteCatalog(ctx)
	case querysql.Postgres, querysql.MySQL:
		cat, err = a.infoSchemaCatalog(ctx)
	default:
		err = fmt.Errorf("unsupported dialect %q", a.dialect)
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeAdapter, err, "introspect schema")
	}
	meta := a.build(cat)
	a.logger.Debug("schema introspected", zap.Int("models", len(meta.Models)))
	return meta, nil
}

func (a *Adapter) modelName(table string) string {
	if name, ok := a.modelNames[table]; ok {
		return name
	}
	return table
}

func (a *Adapter) build(cat catalog) *schema.Metadata {
	meta := &schema.Metadata{Models: map[string]schema.ModelMetadata{}}
	byTable := map[string]string{}
	for _, c := range cat.columns {
		name := a.modelName(c.table)
		mm, ok := meta.Models[name]
		if !ok {
			byTable[c.table] = name
			mm = schema.ModelMetadata{
				Name:       name,
				Table:      c.table,
				Fields:     map[string]schema.FieldMetadata{},
				Relations:  map[string]schema.RelationMetadata{},
				PrimaryKey: cat.primary[c.table],
			}
		}
		mm.Fields[c.name] = schema.FieldMetadata{
			Name:     c.name,
			Column:   c.name,
			Type:     strings.ToLower(c.typ),
			Nullable: c.nullable,
		}
		meta.Models[name] = mm
	}

	sort.Slice(cat.foreign, func(i, j int) bool {
		if cat.foreign[i].table != cat.foreign[j].table {
			return cat.foreign[i].table < cat.foreign[j].table
		}
		return cat.foreign[i].column < cat.foreign[j].column
	})
	for _, fk := range cat.foreign {
		local, ok1 := byTable[fk.table]
		target, ok2 := byTable[fk.targetTable]
		if !ok1 || !ok2 {
			continue
		}
		owner := meta.Models[local]
		addRelation(owner, schema.RelationMetadata{
			Name:         belongsToName(fk),
			Target:       target,
			Kind:         schema.BelongsTo,
			LocalField:   fk.column,
			ForeignField: fk.targetColumn,
		})
		addRelation(meta.Models[target], schema.RelationMetadata{
			Name:         fk.table,
			Target:       local,
			Kind:         schema.HasMany,
			LocalField:   fk.targetColumn,
			ForeignField: fk.column,
		})
	}
	return meta
}

// belongsToName derives "customer" from "customer_id".
func belongsToName(fk foreignKey) string {
	if name, ok := strings.CutSuffix(fk.column, "_id"); ok && name != "" {
		return name
	}
	return fk.targetTable
}

// addRelation skips names already taken by a field or relation.
func addRelation(mm schema.ModelMetadata, rel schema.RelationMetadata) {
	if _, taken := mm.Fields[rel.Name]; taken {
		return
	}
	if _, taken := mm.Relations[rel.Name]; taken {
		return
	}
	mm.Relations[rel.Name] = rel
}

func (a *Adapter) sqliteCatalog(ctx context.Context) (catalog, error) {
	cat := catalog{primary: map[string][]string{}}
	tables, err := a.names(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return cat, err
	}
	for _, t := range tables {
		quoted := `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
		cols, pks, err := a.sqliteColumns(ctx, t, quoted)
		if err != nil {
			return cat, err
		}
		cat.columns = append(cat.columns, cols...)
		cat.primary[t] = pks

		fks, err := a.sqliteForeignKeys(ctx, t, quoted)
		if err != nil {
			return cat, err
		}
		cat.foreign = append(cat.foreign, fks...)
	}
	return cat, nil
}

func (a *Adapter) sqliteColumns(ctx context.Context, table, quoted string) ([]columnInfo, []string, error) {
	rows, err := a.db.QueryContext(ctx, "PRAGMA table_info("+quoted+")")
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		cols []columnInfo
		pk   = map[int]string{}
	)
	for rows.Next() {
		var (
			cid, notNull, pkIndex int
			name, typ             string
			dflt                  any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pkIndex); err != nil {
			return nil, nil, err
		}
		cols = append(cols, columnInfo{table: table, name: name, typ: typ, nullable: notNull == 0 && pkIndex == 0})
		if pkIndex > 0 {
			pk[pkIndex] = name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	keys := make([]string, 0, len(pk))
	for i := 1; i <= len(pk); i++ {
		keys = append(keys, pk[i])
	}
	return cols, keys, nil
}

func (a *Adapter) sqliteForeignKeys(ctx context.Context, table, quoted string) ([]foreignKey, error) {
	rows, err := a.db.QueryContext(ctx, "PRAGMA foreign_key_list("+quoted+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []foreignKey
	for rows.Next() {
		var (
			id, seq                         int
			target, from                    string
			to                              *string
			onUpdate, onDelete, matchClause string
		)
		if err := rows.Scan(&id, &seq, &target, &from, &to, &onUpdate, &onDelete, &matchClause); err != nil {
			return nil, err
		}
		fk := foreignKey{table: table, column: from, targetTable: target}
		if to != nil {
			fk.targetColumn = *to
		}
		out = append(out, fk)
	}
	return out, rows.Err()
}

// infoSchemaCatalog reads information_schema, which Postgres and MySQL
// share apart from how the current schema is named.
func (a *Adapter) infoSchemaCatalog(ctx context.Context) (catalog, error) {
	cat := catalog{primary: map[string][]string{}}
	schemaExpr, args := "$1", []any{a.schemaName}
	if a.dialect == querysql.MySQL {
		schemaExpr, args = "DATABASE()", nil
	}

	rows, err := a.db.QueryContext(ctx, `SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = `+schemaExpr+`
ORDER BY table_name, ordinal_position`, args...)
	if err != nil {
		return cat, err
	}
	for rows.Next() {
		var c columnInfo
		var nullable string
		if err := rows.Scan(&c.table, &c.name, &c.typ, &nullable); err != nil {
			rows.Close()
			return cat, err
		}
		c.nullable = strings.EqualFold(nullable, "YES")
		cat.columns = append(cat.columns, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return cat, err
	}

	rows, err = a.db.QueryContext(ctx, `SELECT kcu.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name
 AND kcu.table_schema = tc.table_schema
 AND kcu.table_name = tc.table_name
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = `+schemaExpr+`
ORDER BY kcu.table_name, kcu.ordinal_position`, args...)
	if err != nil {
		return cat, err
	}
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			rows.Close()
			return cat, err
		}
		cat.primary[table] = append(cat.primary[table], column)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return cat, err
	}

	fkQuery := `SELECT kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name
 AND kcu.table_schema = tc.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name
 AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1`
	if a.dialect == querysql.MySQL {
		fkQuery = `SELECT table_name, column_name, referenced_table_name, referenced_column_name
FROM information_schema.key_column_usage
WHERE table_schema = DATABASE() AND referenced_table_name IS NOT NULL`
	}
	rows, err = a.db.QueryContext(ctx, fkQuery, args...)
	if err != nil {
		return cat, err
	}
	defer rows.Close()
	for rows.Next() {
		var fk foreignKey
		if err := rows.Scan(&fk.table, &fk.column, &fk.targetTable, &fk.targetColumn); err != nil {
			return cat, err
		}
		cat.foreign = append(cat.foreign, fk)
	}
	return cat, rows.Err()
}

func (a *Adapter) names(ctx context.Context, query string) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
