package schema

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// ParseDDL parses a sequence of Postgres DDL statements (CREATE TABLE,
// CREATE [UNIQUE] INDEX) into a Schema, for loading a declared schema
// from a .sql file (§2, §4.2).
//
// Only the subset of DDL the declared-schema format actually uses is
// understood: CREATE TABLE and CREATE INDEX. Column-level NOT NULL,
// NULL, DEFAULT, PRIMARY KEY and identity clauses are read; column-level
// UNIQUE and REFERENCES clauses are not, so unique constraints and
// foreign keys are only picked up from table-level clauses. Anything
// else is ignored, matching how a declarative schema file is expected
// to read (no ALTER TABLE).
func ParseDDL(sql string) (*Schema, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("parse DDL: %w", err)
	}

	out := New()

	for _, rawStmt := range tree.Stmts {
		if rawStmt.Stmt == nil {
			continue
		}

		switch node := rawStmt.Stmt.Node.(type) {
		case *pg_query.Node_CreateStmt:
			table, err := parseCreateTable(node.CreateStmt)
			if err != nil {
				return nil, err
			}
			out.AddTable(*table)

		case *pg_query.Node_IndexStmt:
			if err := applyCreateIndex(out, node.IndexStmt); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

func parseCreateTable(stmt *pg_query.CreateStmt) (*Table, error) {
	if stmt.Relation == nil {
		return nil, fmt.Errorf("CREATE TABLE missing relation")
	}

	table := &Table{
		Name: stmt.Relation.Relname,
	}
	table.IsInternal = strings.HasPrefix(table.Name, ReservedPrefix)

	var inlinePrimaryKey []string

	for _, elt := range stmt.TableElts {
		if elt.Node == nil {
			continue
		}

		switch node := elt.Node.(type) {
		case *pg_query.Node_ColumnDef:
			col, colPK, err := parseColumnDef(node.ColumnDef)
			if err != nil {
				return nil, err
			}
			table.Columns = append(table.Columns, *col)
			if colPK {
				inlinePrimaryKey = append(inlinePrimaryKey, col.Name)
			}

		case *pg_query.Node_Constraint:
			if err := applyTableConstraint(table, node.Constraint); err != nil {
				return nil, err
			}
		}
	}

	if len(inlinePrimaryKey) > 0 && table.PrimaryKey == nil {
		table.PrimaryKey = inlinePrimaryKey
	}

	return table, nil
}

// parseColumnDef converts a ColumnDef into a Column, returning whether
// the column carried an inline PRIMARY KEY constraint (table.PrimaryKey
// is filled in by the caller, since a composite key spans columns).
func parseColumnDef(colDef *pg_query.ColumnDef) (*Column, bool, error) {
	if colDef.Colname == "" {
		return nil, false, fmt.Errorf("column missing name")
	}

	col := &Column{
		Name:     colDef.Colname,
		Nullable: true,
	}

	if colDef.TypeName != nil {
		col.Type = parseTypeName(colDef.TypeName)
	}

	isPK := false

	for _, constraint := range colDef.Constraints {
		cons, ok := constraint.Node.(*pg_query.Node_Constraint)
		if !ok {
			continue
		}
		switch cons.Constraint.Contype {
		case pg_query.ConstrType_CONSTR_NOTNULL:
			col.Nullable = false
		case pg_query.ConstrType_CONSTR_NULL:
			col.Nullable = true
		case pg_query.ConstrType_CONSTR_DEFAULT:
			if cons.Constraint.RawExpr != nil {
				expr := formatExpr(cons.Constraint.RawExpr)
				col.Default = &expr
			}
		case pg_query.ConstrType_CONSTR_PRIMARY:
			isPK = true
			col.Nullable = false
		case pg_query.ConstrType_CONSTR_IDENTITY:
			switch cons.Constraint.GeneratedWhen {
			case "a":
				col.Identity = IdentityAlways
			case "d":
				col.Identity = IdentityByDefault
			}
		}
	}

	return col, isPK, nil
}

// applyTableConstraint handles table-level PRIMARY KEY, UNIQUE and
// FOREIGN KEY clauses.
func applyTableConstraint(table *Table, constraint *pg_query.Constraint) error {
	switch constraint.Contype {
	case pg_query.ConstrType_CONSTR_PRIMARY:
		table.PrimaryKey = constraintColumns(constraint)
		for _, col := range table.PrimaryKey {
			if c, ok := table.Column(col); ok {
				c.Nullable = false
			}
		}

	case pg_query.ConstrType_CONSTR_UNIQUE:
		table.UniqueConstraints = append(table.UniqueConstraints, UniqueConstraint{
			Name:    constraint.Conname,
			Columns: constraintColumns(constraint),
		})

	case pg_query.ConstrType_CONSTR_FOREIGN:
		if constraint.Pktable == nil {
			return fmt.Errorf("table %q: FOREIGN KEY missing referenced table", table.Name)
		}
		table.ForeignKeys = append(table.ForeignKeys, ForeignKey{
			Name:         constraint.Conname,
			LocalColumns: keysFromStrings(constraint.FkAttrs),
			RefTable:     constraint.Pktable.Relname,
			RefColumns:   keysFromStrings(constraint.PkAttrs),
		})
	}

	return nil
}

func constraintColumns(constraint *pg_query.Constraint) []string {
	return keysFromStrings(constraint.Keys)
}

func keysFromStrings(nodes []*pg_query.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if s, ok := n.Node.(*pg_query.Node_String_); ok {
			out = append(out, s.String_.Sval)
		}
	}
	return out
}

func applyCreateIndex(schema *Schema, stmt *pg_query.IndexStmt) error {
	if stmt.Relation == nil {
		return fmt.Errorf("CREATE INDEX missing relation")
	}
	table, ok := schema.Table(stmt.Relation.Relname)
	if !ok {
		return fmt.Errorf("CREATE INDEX on unknown table %q", stmt.Relation.Relname)
	}

	var cols []string
	for _, p := range stmt.IndexParams {
		if ie, ok := p.Node.(*pg_query.Node_IndexElem); ok && ie.IndexElem.Name != "" {
			cols = append(cols, ie.IndexElem.Name)
		}
	}

	method := stmt.AccessMethod
	if method == "" {
		method = "btree"
	}

	table.Indexes = append(table.Indexes, Index{
		Name:    stmt.Idxname,
		Columns: cols,
		Unique:  stmt.Unique,
		Method:  method,
	})
	return nil
}

var pgInternalTypeAliases = map[string]string{
	"int2":    "smallint",
	"int4":    "integer",
	"int8":    "bigint",
	"bool":    "boolean",
	"bpchar":  "char",
	"float4":  "real",
	"float8":  "double precision",
	"varchar": "varchar",
}

// parseTypeName converts a TypeName AST node to a PgType.
func parseTypeName(typeName *pg_query.TypeName) PgType {
	var parts []string
	for _, name := range typeName.Names {
		if s, ok := name.Node.(*pg_query.Node_String_); ok {
			parts = append(parts, s.String_.Sval)
		}
	}

	raw := strings.Join(parts, ".")
	if len(parts) > 1 && parts[0] == "pg_catalog" {
		raw = parts[len(parts)-1]
	}
	raw = strings.ToLower(raw)
	if alias, ok := pgInternalTypeAliases[raw]; ok {
		raw = alias
	}

	if len(typeName.ArrayBounds) > 0 {
		elemName := *typeName
		elemName.ArrayBounds = nil
		return TypeArray(parseTypeName(&elemName))
	}

	mods := typmods(typeName)

	switch raw {
	case "bigint", "bigserial":
		return TypeBigint()
	case "integer", "serial":
		return TypeInt()
	case "smallint", "smallserial":
		return TypeSmallInt()
	case "text":
		return TypeText()
	case "varchar", "character varying":
		if len(mods) == 1 {
			return TypeVarchar(&mods[0])
		}
		return TypeVarchar(nil)
	case "boolean":
		return TypeBool()
	case "bytea":
		return TypeBytea()
	case "uuid":
		return TypeUuid()
	case "timestamp with time zone", "timestamptz":
		return TypeTimestamptz()
	case "timestamp", "timestamp without time zone":
		return TypeTimestamp()
	case "date":
		return TypeDate()
	case "time", "time without time zone":
		return TypeTime()
	case "numeric", "decimal":
		switch len(mods) {
		case 2:
			return TypeNumeric(&mods[0], &mods[1])
		case 1:
			return TypeNumeric(&mods[0], nil)
		default:
			return TypeNumeric(nil, nil)
		}
	case "jsonb":
		return TypeJsonb()
	default:
		return TypeEnumRefOrOther(raw)
	}
}

// TypeEnumRefOrOther is used by the parser for an identifier it does
// not recognize as a built-in: lowercase single-word names are assumed
// to be a user-defined enum, anything else is kept as an opaque raw
// type string.
func TypeEnumRefOrOther(raw string) PgType {
	if raw != "" && !strings.ContainsAny(raw, " ()[]") {
		return TypeEnumRef(raw)
	}
	return TypeOther(raw)
}

func typmods(typeName *pg_query.TypeName) []int {
	var out []int
	for _, mod := range typeName.Typmods {
		if c, ok := mod.Node.(*pg_query.Node_AConst); ok {
			if ival := c.AConst.GetIval(); ival != nil {
				out = append(out, int(ival.Ival))
			}
		}
	}
	return out
}

// formatExpr renders a DEFAULT expression AST back to SQL text. Only
// the forms that commonly appear in declared-schema defaults are
// handled; anything else renders as the literal NULL.
func formatExpr(node *pg_query.Node) string {
	if node == nil {
		return ""
	}

	switch expr := node.Node.(type) {
	case *pg_query.Node_AConst:
		if ival := expr.AConst.GetIval(); ival != nil {
			return fmt.Sprintf("%d", ival.Ival)
		}
		if fval := expr.AConst.GetFval(); fval != nil {
			return fval.Fval
		}
		if sval := expr.AConst.GetSval(); sval != nil {
			return fmt.Sprintf("'%s'", sval.Sval)
		}
		if bsval := expr.AConst.GetBsval(); bsval != nil {
			return bsval.Bsval
		}

	case *pg_query.Node_FuncCall:
		if len(expr.FuncCall.Funcname) > 0 {
			if nameNode, ok := expr.FuncCall.Funcname[len(expr.FuncCall.Funcname)-1].Node.(*pg_query.Node_String_); ok {
				funcName := nameNode.String_.Sval
				var args []string
				for _, arg := range expr.FuncCall.Args {
					args = append(args, formatExpr(arg))
				}
				if len(args) > 0 {
					return fmt.Sprintf("%s(%s)", funcName, strings.Join(args, ", "))
				}
				return funcName + "()"
			}
		}

	case *pg_query.Node_TypeCast:
		if expr.TypeCast.Arg != nil {
			return formatExpr(expr.TypeCast.Arg)
		}

	case *pg_query.Node_SqlvalueFunction:
		switch expr.SqlvalueFunction.Op {
		case 4, 5:
			return "CURRENT_TIMESTAMP"
		case 1:
			return "CURRENT_DATE"
		case 2, 3:
			return "CURRENT_TIME"
		}
	}

	return "NULL"
}
