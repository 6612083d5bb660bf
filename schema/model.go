// Package schema defines the canonical in-memory representation of a
// Postgres schema: the common currency the introspector, differ, solver
// and renderer all speak.
package schema

import "sort"

// ReservedPrefix marks tables owned by the migration runner itself
// (§6): the introspector excludes them, and the differ never sees them.
const ReservedPrefix = "__dibs_"

// Identity describes a column's GENERATED AS IDENTITY mode.
type Identity int

const (
	IdentityNone Identity = iota
	IdentityAlways
	IdentityByDefault
)

func (i Identity) String() string {
	switch i {
	case IdentityAlways:
		return "always"
	case IdentityByDefault:
		return "by_default"
	default:
		return "none"
	}
}

// PgTypeKind tags the variant held by a PgType.
type PgTypeKind int

const (
	KindBigint PgTypeKind = iota
	KindInt
	KindSmallInt
	KindText
	KindVarchar
	KindBool
	KindBytea
	KindUuid
	KindTimestamptz
	KindTimestamp
	KindDate
	KindTime
	KindNumeric
	KindJsonb
	KindEnumRef
	KindArray
	KindOther
)

var pgTypeKindNames = [...]string{
	"bigint", "integer", "smallint", "text", "varchar", "boolean",
	"bytea", "uuid", "timestamptz", "timestamp", "date", "time",
	"numeric", "jsonb", "enum", "array", "other",
}

func (k PgTypeKind) String() string {
	if int(k) < 0 || int(k) >= len(pgTypeKindNames) {
		return "other"
	}
	return pgTypeKindNames[k]
}

// PgType is a tagged variant over the Postgres column types this core
// understands (§3). Construct one with the Type* helpers below rather
// than composing a literal directly, so payload fields stay consistent
// with Kind.
type PgType struct {
	Kind PgTypeKind

	// VarcharLen holds the declared length for KindVarchar, or nil for
	// an unbounded varchar.
	VarcharLen *int

	// NumericPrecision/NumericScale hold the declared precision/scale
	// for KindNumeric; both may be nil (bare "numeric").
	NumericPrecision *int
	NumericScale     *int

	// EnumName holds the Postgres type name for KindEnumRef.
	EnumName string

	// ArrayElem holds the element type for KindArray.
	ArrayElem *PgType

	// Raw holds the literal type name as reported by Postgres for
	// KindOther (a type this core has no typed representation for).
	Raw string
}

func TypeBigint() PgType      { return PgType{Kind: KindBigint} }
func TypeInt() PgType         { return PgType{Kind: KindInt} }
func TypeSmallInt() PgType    { return PgType{Kind: KindSmallInt} }
func TypeText() PgType        { return PgType{Kind: KindText} }
func TypeBool() PgType        { return PgType{Kind: KindBool} }
func TypeBytea() PgType       { return PgType{Kind: KindBytea} }
func TypeUuid() PgType        { return PgType{Kind: KindUuid} }
func TypeTimestamptz() PgType { return PgType{Kind: KindTimestamptz} }
func TypeTimestamp() PgType   { return PgType{Kind: KindTimestamp} }
func TypeDate() PgType        { return PgType{Kind: KindDate} }
func TypeTime() PgType        { return PgType{Kind: KindTime} }
func TypeJsonb() PgType       { return PgType{Kind: KindJsonb} }

func TypeVarchar(length *int) PgType {
	return PgType{Kind: KindVarchar, VarcharLen: length}
}

func TypeNumeric(precision, scale *int) PgType {
	return PgType{Kind: KindNumeric, NumericPrecision: precision, NumericScale: scale}
}

func TypeEnumRef(name string) PgType {
	return PgType{Kind: KindEnumRef, EnumName: name}
}

func TypeArray(elem PgType) PgType {
	return PgType{Kind: KindArray, ArrayElem: &elem}
}

func TypeOther(raw string) PgType {
	return PgType{Kind: KindOther, Raw: raw}
}

// Equal performs a structural comparison of two PgType values.
func (t PgType) Equal(other PgType) bool {
	if t.Kind != other.Kind {
		return false
	}
	switch t.Kind {
	case KindVarchar:
		return intPtrEqual(t.VarcharLen, other.VarcharLen)
	case KindNumeric:
		return intPtrEqual(t.NumericPrecision, other.NumericPrecision) &&
			intPtrEqual(t.NumericScale, other.NumericScale)
	case KindEnumRef:
		return t.EnumName == other.EnumName
	case KindArray:
		if t.ArrayElem == nil || other.ArrayElem == nil {
			return t.ArrayElem == other.ArrayElem
		}
		return t.ArrayElem.Equal(*other.ArrayElem)
	case KindOther:
		return t.Raw == other.Raw
	default:
		return true
	}
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Column is a single column definition, in the order it was declared.
type Column struct {
	Name     string
	Type     PgType
	Nullable bool

	// Default holds the raw SQL expression exactly as captured from
	// introspection or declared; the renderer emits it verbatim (§4.4).
	Default *string

	Identity Identity
}

// UniqueConstraint is a named, ordered group of columns.
type UniqueConstraint struct {
	Name    string
	Columns []string
}

// ForeignKey references an ordered group of columns on another table.
type ForeignKey struct {
	Name         string
	LocalColumns []string
	RefTable     string
	RefColumns   []string
}

// Index describes a (possibly unique) access-method-backed index.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
	Method  string // defaults to "btree"
}

// Table is a named, ordered collection of columns plus its constraints
// and indexes.
type Table struct {
	Name    string
	Columns []Column

	// PrimaryKey is nil when the table has no primary key, otherwise
	// the ordered column names making it up.
	PrimaryKey []string

	UniqueConstraints []UniqueConstraint
	ForeignKeys       []ForeignKey
	Indexes           []Index

	// IsInternal is true iff Name has ReservedPrefix; such tables are
	// excluded from diffs (§3).
	IsInternal bool
}

// Column looks up a column by name.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// ColumnNames returns column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ForeignKeyByName looks up a foreign key by name.
func (t *Table) ForeignKeyByName(name string) (*ForeignKey, bool) {
	for i := range t.ForeignKeys {
		if t.ForeignKeys[i].Name == name {
			return &t.ForeignKeys[i], true
		}
	}
	return nil, false
}

// UniqueConstraintByName looks up a unique constraint by name.
func (t *Table) UniqueConstraintByName(name string) (*UniqueConstraint, bool) {
	for i := range t.UniqueConstraints {
		if t.UniqueConstraints[i].Name == name {
			return &t.UniqueConstraints[i], true
		}
	}
	return nil, false
}

// IndexByName looks up an index by name.
func (t *Table) IndexByName(name string) (*Index, bool) {
	for i := range t.Indexes {
		if t.Indexes[i].Name == name {
			return &t.Indexes[i], true
		}
	}
	return nil, false
}

// IsColumnReferenced reports whether col is used by any foreign key
// (local side), unique constraint, the primary key, or any index on
// this table.
func (t *Table) IsColumnReferenced(col string) bool {
	for _, pk := range t.PrimaryKey {
		if pk == col {
			return true
		}
	}
	for _, uc := range t.UniqueConstraints {
		if containsString(uc.Columns, col) {
			return true
		}
	}
	for _, fk := range t.ForeignKeys {
		if containsString(fk.LocalColumns, col) {
			return true
		}
	}
	for _, idx := range t.Indexes {
		if containsString(idx.Columns, col) {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Schema is a mapping from table name to Table (§3).
type Schema struct {
	Tables map[string]*Table
}

// New returns an empty schema.
func New() *Schema {
	return &Schema{Tables: make(map[string]*Table)}
}

// Table looks up a table by name.
func (s *Schema) Table(name string) (*Table, bool) {
	t, ok := s.Tables[name]
	return t, ok
}

// AddTable inserts or replaces a table.
func (s *Schema) AddTable(t Table) {
	if s.Tables == nil {
		s.Tables = make(map[string]*Table)
	}
	tc := t
	s.Tables[t.Name] = &tc
}

// TableNames returns all table names sorted lexicographically, the
// order used wherever iteration must be deterministic (diff, render,
// verification).
func (s *Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TablesByRefTo returns the tables (other than exclude) that hold a
// foreign key referencing table refTable.
func (s *Schema) TablesByRefTo(refTable, exclude string) []*Table {
	var out []*Table
	for _, name := range s.TableNames() {
		if name == exclude {
			continue
		}
		t := s.Tables[name]
		for _, fk := range t.ForeignKeys {
			if fk.RefTable == refTable {
				out = append(out, t)
				break
			}
		}
	}
	return out
}
