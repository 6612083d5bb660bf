// Package render turns an ordered Plan into literal Postgres DDL
// (§4.4): one statement per line, identifiers always double-quoted,
// generated constraint/index names truncated to 63 bytes and
// disambiguated against collisions within the same plan.
package render

import (
	"fmt"
	"strings"

	"github.com/dibs-project/dibs/change"
	"github.com/dibs-project/dibs/dibserrors"
	"github.com/dibs-project/dibs/schema"
	"github.com/dibs-project/dibs/solve"
)

const maxIdentifierBytes = 63

// Render emits the DDL for every change in the plan, in order. A
// single change may render to more than one statement (CREATE TABLE
// plus any of its indexes, which Postgres cannot declare inline).
func Render(plan *solve.Plan) ([]string, error) {
	used := map[string]bool{}
	var out []string
	for _, c := range plan.Changes {
		stmts, err := renderChange(c, used)
		if err != nil {
			return nil, err
		}
		out = append(out, stmts...)
	}
	return out, nil
}

func renderChange(c change.Change, used map[string]bool) ([]string, error) {
	switch cc := c.(type) {
	case *change.CreateTable:
		return renderCreateTable(cc, used)

	case *change.DropTable:
		return one(fmt.Sprintf("DROP TABLE %s;", quoteIdent(cc.Name)))

	case *change.RenameTable:
		return one(fmt.Sprintf("ALTER TABLE %s RENAME TO %s;", quoteIdent(cc.From), quoteIdent(cc.To)))

	case *change.AddColumn:
		def, err := renderColumnDef(cc.Column)
		if err != nil {
			return nil, err
		}
		return one(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", quoteIdent(cc.Table), def))

	case *change.DropColumn:
		return one(fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", quoteIdent(cc.Table), quoteIdent(cc.Column)))

	case *change.RenameColumn:
		return one(fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s;", quoteIdent(cc.Table), quoteIdent(cc.From), quoteIdent(cc.To)))

	case *change.AlterColumnType:
		return renderAlterColumnType(cc)

	case *change.AlterColumnNullability:
		if cc.Nullable {
			return one(fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL;", quoteIdent(cc.Table), quoteIdent(cc.Column)))
		}
		return one(fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL;", quoteIdent(cc.Table), quoteIdent(cc.Column)))

	case *change.AlterColumnDefault:
		if cc.Default == nil {
			return one(fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT;", quoteIdent(cc.Table), quoteIdent(cc.Column)))
		}
		return one(fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s;", quoteIdent(cc.Table), quoteIdent(cc.Column), *cc.Default))

	case *change.AddForeignKey:
		name := cc.FK.Name
		if name == "" {
			name = uniqueName(used, cc.Table, strings.Join(cc.FK.LocalColumns, "_"), "fkey")
		} else {
			used[name] = true
		}
		return one(fmt.Sprintf(
			"ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s);",
			quoteIdent(cc.Table), quoteIdent(name), quoteIdentList(cc.FK.LocalColumns), quoteIdent(cc.FK.RefTable), quoteIdentList(cc.FK.RefColumns),
		))

	case *change.DropForeignKey:
		return one(fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s;", quoteIdent(cc.Table), quoteIdent(cc.Name)))

	case *change.AddUnique:
		name := cc.Name
		if name == "" {
			name = uniqueName(used, cc.Table, strings.Join(cc.Columns, "_"), "key")
		} else {
			used[name] = true
		}
		return one(fmt.Sprintf(
			"ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s);",
			quoteIdent(cc.Table), quoteIdent(name), quoteIdentList(cc.Columns),
		))

	case *change.DropUnique:
		return one(fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s;", quoteIdent(cc.Table), quoteIdent(cc.Name)))

	case *change.AddPrimaryKey:
		name := uniqueName(used, cc.Table, "pkey")
		return one(fmt.Sprintf(
			"ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (%s);",
			quoteIdent(cc.Table), quoteIdent(name), quoteIdentList(cc.Columns),
		))

	case *change.DropPrimaryKey:
		return one(fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s;", quoteIdent(cc.Table), quoteIdent(cc.Table+"_pkey")))

	case *change.AddIndex:
		stmt, err := renderIndexStmt(cc.Table, cc.Index, used)
		if err != nil {
			return nil, err
		}
		return one(stmt)

	case *change.DropIndex:
		return one(fmt.Sprintf("DROP INDEX %s;", quoteIdent(cc.Name)))

	default:
		return nil, dibserrors.Render(fmt.Sprintf("unrenderable change kind %T", c), dibserrors.Context{})
	}
}

func one(stmt string) ([]string, error) { return []string{stmt}, nil }

func renderCreateTable(cc *change.CreateTable, used map[string]bool) ([]string, error) {
	t := cc.Table

	var lines []string
	for _, col := range t.Columns {
		def, err := renderColumnDef(col)
		if err != nil {
			return nil, err
		}
		lines = append(lines, def)
	}

	if t.PrimaryKey != nil {
		lines = append(lines, fmt.Sprintf("PRIMARY KEY (%s)", quoteIdentList(t.PrimaryKey)))
	}

	for _, uc := range t.UniqueConstraints {
		name := uc.Name
		if name == "" {
			name = uniqueName(used, t.Name, strings.Join(uc.Columns, "_"), "key")
		} else {
			used[name] = true
		}
		lines = append(lines, fmt.Sprintf("CONSTRAINT %s UNIQUE (%s)", quoteIdent(name), quoteIdentList(uc.Columns)))
	}

	for _, fk := range t.ForeignKeys {
		name := fk.Name
		if name == "" {
			name = uniqueName(used, t.Name, strings.Join(fk.LocalColumns, "_"), "fkey")
		} else {
			used[name] = true
		}
		lines = append(lines, fmt.Sprintf(
			"CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
			quoteIdent(name), quoteIdentList(fk.LocalColumns), quoteIdent(fk.RefTable), quoteIdentList(fk.RefColumns),
		))
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", quoteIdent(t.Name), strings.Join(lines, ",\n  "))

	out := []string{stmt}
	for _, idx := range t.Indexes {
		idxStmt, err := renderIndexStmt(t.Name, idx, used)
		if err != nil {
			return nil, err
		}
		out = append(out, idxStmt)
	}
	return out, nil
}

func renderColumnDef(col schema.Column) (string, error) {
	typ, err := typeSQL(col.Type)
	if err != nil {
		return "", err
	}

	parts := []string{quoteIdent(col.Name), typ}
	if !col.Nullable {
		parts = append(parts, "NOT NULL")
	}
	if col.Default != nil {
		parts = append(parts, "DEFAULT "+*col.Default)
	}
	switch col.Identity {
	case schema.IdentityAlways:
		parts = append(parts, "GENERATED ALWAYS AS IDENTITY")
	case schema.IdentityByDefault:
		parts = append(parts, "GENERATED BY DEFAULT AS IDENTITY")
	}
	return strings.Join(parts, " "), nil
}

func renderIndexStmt(table string, idx schema.Index, used map[string]bool) (string, error) {
	name := idx.Name
	if name == "" {
		name = uniqueName(used, table, strings.Join(idx.Columns, "_"), "idx")
	} else {
		used[name] = true
	}

	method := idx.Method
	if method == "" {
		method = "btree"
	}

	uniqueKw := ""
	if idx.Unique {
		uniqueKw = "UNIQUE "
	}

	return fmt.Sprintf(
		"CREATE %sINDEX %s ON %s USING %s (%s);",
		uniqueKw, quoteIdent(name), quoteIdent(table), method, quoteIdentList(idx.Columns),
	), nil
}

func renderAlterColumnType(cc *change.AlterColumnType) ([]string, error) {
	typ, err := typeSQL(cc.To)
	if err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s", quoteIdent(cc.Table), quoteIdent(cc.Column), typ)
	if needsUsingCast(cc.From, cc.To) {
		stmt += fmt.Sprintf(" USING %s::%s", quoteIdent(cc.Column), typ)
	}
	return one(stmt + ";")
}

// needsUsingCast reports whether Postgres requires an explicit USING
// clause to change from's representation to to's. Moves within the
// integer/numeric family or within the text/varchar family have an
// implicit assignment cast; anything else (including enum changes)
// needs one (§4.4).
func needsUsingCast(from, to schema.PgType) bool {
	if from.Equal(to) {
		return false
	}
	if numericFamily(from.Kind) && numericFamily(to.Kind) {
		return false
	}
	if textFamily(from.Kind) && textFamily(to.Kind) {
		return false
	}
	return true
}

func numericFamily(k schema.PgTypeKind) bool {
	switch k {
	case schema.KindBigint, schema.KindInt, schema.KindSmallInt, schema.KindNumeric:
		return true
	}
	return false
}

func textFamily(k schema.PgTypeKind) bool {
	return k == schema.KindText || k == schema.KindVarchar
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdentList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// uniqueName joins parts, truncates to the 63-byte Postgres
// identifier limit, and disambiguates against used by appending a
// numeric suffix if the truncated form collides.
func uniqueName(used map[string]bool, parts ...string) string {
	base := strings.Join(parts, "_")
	name := truncate(base, maxIdentifierBytes)
	if !used[name] {
		used[name] = true
		return name
	}
	for n := 1; ; n++ {
		suffix := fmt.Sprintf("_%d", n)
		candidate := truncate(base, maxIdentifierBytes-len(suffix)) + suffix
		if !used[candidate] {
			used[candidate] = true
			return candidate
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func typeSQL(t schema.PgType) (string, error) {
	switch t.Kind {
	case schema.KindBigint:
		return "bigint", nil
	case schema.KindInt:
		return "integer", nil
	case schema.KindSmallInt:
		return "smallint", nil
	case schema.KindText:
		return "text", nil
	case schema.KindVarchar:
		if t.VarcharLen != nil {
			return fmt.Sprintf("varchar(%d)", *t.VarcharLen), nil
		}
		return "varchar", nil
	case schema.KindBool:
		return "boolean", nil
	case schema.KindBytea:
		return "bytea", nil
	case schema.KindUuid:
		return "uuid", nil
	case schema.KindTimestamptz:
		return "timestamptz", nil
	case schema.KindTimestamp:
		return "timestamp", nil
	case schema.KindDate:
		return "date", nil
	case schema.KindTime:
		return "time", nil
	case schema.KindNumeric:
		switch {
		case t.NumericPrecision != nil && t.NumericScale != nil:
			return fmt.Sprintf("numeric(%d,%d)", *t.NumericPrecision, *t.NumericScale), nil
		case t.NumericPrecision != nil:
			return fmt.Sprintf("numeric(%d)", *t.NumericPrecision), nil
		default:
			return "numeric", nil
		}
	case schema.KindJsonb:
		return "jsonb", nil
	case schema.KindEnumRef:
		if t.EnumName == "" {
			return "", dibserrors.Render("enum column type missing a type name", dibserrors.Context{})
		}
		return quoteIdent(t.EnumName), nil
	case schema.KindArray:
		if t.ArrayElem == nil {
			return "", dibserrors.Render("array column type missing an element type", dibserrors.Context{})
		}
		elem, err := typeSQL(*t.ArrayElem)
		if err != nil {
			return "", err
		}
		return elem + "[]", nil
	case schema.KindOther:
		if t.Raw == "" {
			return "", dibserrors.Render("column type has no representable SQL form", dibserrors.Context{})
		}
		return t.Raw, nil
	default:
		return "", dibserrors.Render("unknown column type kind", dibserrors.Context{})
	}
}
