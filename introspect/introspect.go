// Package introspect reads the live schema out of a running Postgres
// database (§4.1): tables, columns, primary keys, unique constraints,
// foreign keys and indexes, with constraint and index columns recovered
// in their declared order from pg_constraint/pg_index rather than an
// unordered information_schema join.
package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/dibs-project/dibs/dibserrors"
	"github.com/dibs-project/dibs/schema"
)

// Introspect reads every base table in db's current search-path schema
// (excluding views, partition children, and reserved __dibs_ tables)
// into a schema.Schema.
func Introspect(ctx context.Context, db *sql.DB) (*schema.Schema, error) {
	names, err := listTables(ctx, db)
	if err != nil {
		return nil, err
	}

	out := schema.New()
	for _, name := range names {
		if strings.HasPrefix(name, schema.ReservedPrefix) {
			continue
		}

		t := schema.Table{Name: name}

		t.Columns, err = listColumns(ctx, db, name)
		if err != nil {
			return nil, err
		}

		t.PrimaryKey, t.UniqueConstraints, err = listKeyConstraints(ctx, db, name)
		if err != nil {
			return nil, err
		}

		t.ForeignKeys, err = listForeignKeys(ctx, db, name)
		if err != nil {
			return nil, err
		}

		t.Indexes, err = listIndexes(ctx, db, name)
		if err != nil {
			return nil, err
		}

		out.AddTable(t)
	}

	return out, nil
}

const listTablesQuery = `
SELECT c.relname
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = current_schema()
  AND c.relkind = 'r'
  AND c.relispartition = false
ORDER BY c.relname`

func listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, listTablesQuery)
	if err != nil {
		return nil, dibserrors.Introspection("listing base tables", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, dibserrors.Introspection("scanning table name", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, dibserrors.Introspection("listing base tables", err)
	}
	return names, nil
}

const listColumnsQuery = `
SELECT column_name, data_type, udt_name, is_nullable, column_default,
       is_identity, COALESCE(identity_generation, ''), character_maximum_length,
       numeric_precision, numeric_scale
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`

func listColumns(ctx context.Context, db *sql.DB, table string) ([]schema.Column, error) {
	rows, err := db.QueryContext(ctx, listColumnsQuery, table)
	if err != nil {
		return nil, dibserrors.Introspection(fmt.Sprintf("listing columns of %q", table), err)
	}
	defer rows.Close()

	var cols []schema.Column
	for rows.Next() {
		var (
			name, dataType, udtName, isNullable, isIdentity, identityGen string
			def                                                          sql.NullString
			charMaxLen, numPrecision, numScale                           sql.NullInt64
		)
		if err := rows.Scan(&name, &dataType, &udtName, &isNullable, &def,
			&isIdentity, &identityGen, &charMaxLen, &numPrecision, &numScale); err != nil {
			return nil, dibserrors.Introspection(fmt.Sprintf("scanning column of %q", table), err)
		}

		pgType, err := mapDataType(ctx, db, dataType, udtName, charMaxLen, numPrecision, numScale)
		if err != nil {
			return nil, err
		}

		col := schema.Column{
			Name:     name,
			Type:     pgType,
			Nullable: isNullable == "YES",
		}
		if def.Valid {
			d := def.String
			col.Default = &d
		}
		if isIdentity == "YES" {
			if identityGen == "ALWAYS" {
				col.Identity = schema.IdentityAlways
			} else {
				col.Identity = schema.IdentityByDefault
			}
		}

		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, dibserrors.Introspection(fmt.Sprintf("listing columns of %q", table), err)
	}
	return cols, nil
}

// mapDataType translates an information_schema column description into
// the core's PgType variant (§4.1's type table). ARRAY and USER-DEFINED
// require a second lookup (the element type, or enum-vs-other).
func mapDataType(ctx context.Context, db *sql.DB, dataType, udtName string, charMaxLen, numPrecision, numScale sql.NullInt64) (schema.PgType, error) {
	switch dataType {
	case "bigint":
		return schema.TypeBigint(), nil
	case "integer":
		return schema.TypeInt(), nil
	case "smallint":
		return schema.TypeSmallInt(), nil
	case "text":
		return schema.TypeText(), nil
	case "character varying":
		var length *int
		if charMaxLen.Valid {
			l := int(charMaxLen.Int64)
			length = &l
		}
		return schema.TypeVarchar(length), nil
	case "boolean":
		return schema.TypeBool(), nil
	case "bytea":
		return schema.TypeBytea(), nil
	case "uuid":
		return schema.TypeUuid(), nil
	case "timestamp with time zone":
		return schema.TypeTimestamptz(), nil
	case "timestamp without time zone":
		return schema.TypeTimestamp(), nil
	case "date":
		return schema.TypeDate(), nil
	case "time without time zone", "time with time zone":
		return schema.TypeTime(), nil
	case "numeric":
		var precision, scale *int
		if numPrecision.Valid {
			p := int(numPrecision.Int64)
			precision = &p
		}
		if numScale.Valid {
			s := int(numScale.Int64)
			scale = &s
		}
		return schema.TypeNumeric(precision, scale), nil
	case "jsonb":
		return schema.TypeJsonb(), nil
	case "ARRAY":
		// udt_name for an array column is the element's internal name
		// prefixed with "_" (e.g. "_text", "_int4").
		elemUdt := strings.TrimPrefix(udtName, "_")
		elemType, err := mapUdtName(ctx, db, elemUdt)
		if err != nil {
			return schema.PgType{}, err
		}
		return schema.TypeArray(elemType), nil
	case "USER-DEFINED":
		isEnum, err := isEnumType(ctx, db, udtName)
		if err != nil {
			return schema.PgType{}, err
		}
		if isEnum {
			return schema.TypeEnumRef(udtName), nil
		}
		return schema.TypeOther(udtName), nil
	default:
		return schema.TypeOther(dataType), nil
	}
}

// mapUdtName maps a pg_catalog internal type name (as found inside an
// array's udt_name) to the same PgType variants mapDataType produces.
func mapUdtName(ctx context.Context, db *sql.DB, udt string) (schema.PgType, error) {
	switch udt {
	case "int8":
		return schema.TypeBigint(), nil
	case "int4":
		return schema.TypeInt(), nil
	case "int2":
		return schema.TypeSmallInt(), nil
	case "text":
		return schema.TypeText(), nil
	case "varchar":
		return schema.TypeVarchar(nil), nil
	case "bool":
		return schema.TypeBool(), nil
	case "bytea":
		return schema.TypeBytea(), nil
	case "uuid":
		return schema.TypeUuid(), nil
	case "timestamptz":
		return schema.TypeTimestamptz(), nil
	case "timestamp":
		return schema.TypeTimestamp(), nil
	case "date":
		return schema.TypeDate(), nil
	case "time":
		return schema.TypeTime(), nil
	case "numeric":
		return schema.TypeNumeric(nil, nil), nil
	case "jsonb":
		return schema.TypeJsonb(), nil
	default:
		isEnum, err := isEnumType(ctx, db, udt)
		if err != nil {
			return schema.PgType{}, err
		}
		if isEnum {
			return schema.TypeEnumRef(udt), nil
		}
		return schema.TypeOther(udt), nil
	}
}

func isEnumType(ctx context.Context, db *sql.DB, typeName string) (bool, error) {
	var isEnum bool
	err := db.QueryRowContext(ctx,
		`SELECT typtype = 'e' FROM pg_catalog.pg_type WHERE typname = $1`, typeName,
	).Scan(&isEnum)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, dibserrors.Introspection(fmt.Sprintf("checking whether %q is an enum", typeName), err)
	}
	return isEnum, nil
}

// listKeyConstraintsQuery recovers the primary key and unique
// constraints of a table with their columns in conkey order, via
// unnest(...) WITH ORDINALITY rather than relying on an unordered
// information_schema join.
const listKeyConstraintsQuery = `
SELECT con.conname, con.contype,
       array_agg(att.attname ORDER BY ord.ord) AS cols
FROM pg_catalog.pg_constraint con
JOIN unnest(con.conkey) WITH ORDINALITY AS ord(attnum, ord) ON true
JOIN pg_catalog.pg_attribute att
  ON att.attrelid = con.conrelid AND att.attnum = ord.attnum
WHERE con.conrelid = $1::regclass AND con.contype IN ('p', 'u')
GROUP BY con.conname, con.contype
ORDER BY con.conname`

func listKeyConstraints(ctx context.Context, db *sql.DB, table string) ([]string, []schema.UniqueConstraint, error) {
	rows, err := db.QueryContext(ctx, listKeyConstraintsQuery, pq.QuoteIdentifier(table))
	if err != nil {
		return nil, nil, dibserrors.Introspection(fmt.Sprintf("listing key constraints of %q", table), err)
	}
	defer rows.Close()

	var pk []string
	var uniques []schema.UniqueConstraint
	for rows.Next() {
		var name, contype string
		var cols pq.StringArray
		if err := rows.Scan(&name, &contype, &cols); err != nil {
			return nil, nil, dibserrors.Introspection(fmt.Sprintf("scanning key constraint of %q", table), err)
		}
		switch contype {
		case "p":
			pk = []string(cols)
		case "u":
			uniques = append(uniques, schema.UniqueConstraint{Name: name, Columns: []string(cols)})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, dibserrors.Introspection(fmt.Sprintf("listing key constraints of %q", table), err)
	}
	return pk, uniques, nil
}

// listForeignKeysQuery zips conkey (local columns) against confkey
// (referenced columns) positionally via a two-array unnest, so a
// multi-column foreign key's local-to-referenced column correspondence
// survives introspection.
const listForeignKeysQuery = `
SELECT con.conname, con.confrelid::regclass::text AS ref_table,
       array_agg(local_att.attname ORDER BY ord.ord) AS local_cols,
       array_agg(ref_att.attname ORDER BY ord.ord) AS ref_cols
FROM pg_catalog.pg_constraint con
JOIN unnest(con.conkey, con.confkey) WITH ORDINALITY AS ord(local_attnum, ref_attnum, ord) ON true
JOIN pg_catalog.pg_attribute local_att
  ON local_att.attrelid = con.conrelid AND local_att.attnum = ord.local_attnum
JOIN pg_catalog.pg_attribute ref_att
  ON ref_att.attrelid = con.confrelid AND ref_att.attnum = ord.ref_attnum
WHERE con.conrelid = $1::regclass AND con.contype = 'f'
GROUP BY con.conname, con.confrelid
ORDER BY con.conname`

func listForeignKeys(ctx context.Context, db *sql.DB, table string) ([]schema.ForeignKey, error) {
	rows, err := db.QueryContext(ctx, listForeignKeysQuery, pq.QuoteIdentifier(table))
	if err != nil {
		return nil, dibserrors.Introspection(fmt.Sprintf("listing foreign keys of %q", table), err)
	}
	defer rows.Close()

	var fks []schema.ForeignKey
	for rows.Next() {
		var name, refTable string
		var localCols, refCols pq.StringArray
		if err := rows.Scan(&name, &refTable, &localCols, &refCols); err != nil {
			return nil, dibserrors.Introspection(fmt.Sprintf("scanning foreign key of %q", table), err)
		}
		fks = append(fks, schema.ForeignKey{
			Name:         name,
			LocalColumns: []string(localCols),
			RefTable:     unqualify(refTable),
			RefColumns:   []string(refCols),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, dibserrors.Introspection(fmt.Sprintf("listing foreign keys of %q", table), err)
	}
	return fks, nil
}

// unqualify strips a schema qualifier regclass::text may add when the
// referenced table lives outside the current search_path formatting
// (rare, since both tables share current_schema() in normal use).
func unqualify(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// listIndexesQuery recovers secondary indexes with their columns in
// indkey order and their access method, explicitly excluding the
// primary key's and unique constraints' backing indexes so they are
// not reported twice (once as a constraint, once as an index). indkey
// is an int2vector, which Postgres has no array type for and so cannot
// be unnested directly; casting through text and splitting on spaces is
// the standard workaround.
const listIndexesQuery = `
SELECT ic.relname, ix.indisunique, am.amname,
       array_agg(att.attname ORDER BY ord.ord) AS cols
FROM pg_catalog.pg_index ix
JOIN pg_catalog.pg_class ic ON ic.oid = ix.indexrelid
JOIN pg_catalog.pg_am am ON am.oid = ic.relam
JOIN unnest(string_to_array(ix.indkey::text, ' ')::int2[]) WITH ORDINALITY AS ord(attnum, ord) ON true
JOIN pg_catalog.pg_attribute att
  ON att.attrelid = ix.indrelid AND att.attnum = ord.attnum
WHERE ix.indrelid = $1::regclass
  AND ix.indisprimary = false
  AND NOT EXISTS (
    SELECT 1 FROM pg_catalog.pg_constraint con
    WHERE con.conindid = ix.indexrelid AND con.contype IN ('p', 'u')
  )
GROUP BY ic.relname, ix.indisunique, am.amname
ORDER BY ic.relname`

func listIndexes(ctx context.Context, db *sql.DB, table string) ([]schema.Index, error) {
	rows, err := db.QueryContext(ctx, listIndexesQuery, pq.QuoteIdentifier(table))
	if err != nil {
		return nil, dibserrors.Introspection(fmt.Sprintf("listing indexes of %q", table), err)
	}
	defer rows.Close()

	var indexes []schema.Index
	for rows.Next() {
		var name, method string
		var unique bool
		var cols pq.StringArray
		if err := rows.Scan(&name, &unique, &method, &cols); err != nil {
			return nil, dibserrors.Introspection(fmt.Sprintf("scanning index of %q", table), err)
		}
		indexes = append(indexes, schema.Index{
			Name:    name,
			Columns: []string(cols),
			Unique:  unique,
			Method:  method,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, dibserrors.Introspection(fmt.Sprintf("listing indexes of %q", table), err)
	}
	return indexes, nil
}
