package schema

// Clone returns a deep copy of the schema. The solver never mutates a
// schema in place (§3); it always simulates against a clone.
func (s *Schema) Clone() *Schema {
	out := New()
	for name, t := range s.Tables {
		out.Tables[name] = t.Clone()
	}
	return out
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	out := &Table{
		Name:       t.Name,
		IsInternal: t.IsInternal,
	}

	out.Columns = make([]Column, len(t.Columns))
	for i, c := range t.Columns {
		out.Columns[i] = c.Clone()
	}

	if t.PrimaryKey != nil {
		out.PrimaryKey = append([]string(nil), t.PrimaryKey...)
	}

	out.UniqueConstraints = make([]UniqueConstraint, len(t.UniqueConstraints))
	for i, uc := range t.UniqueConstraints {
		out.UniqueConstraints[i] = UniqueConstraint{
			Name:    uc.Name,
			Columns: append([]string(nil), uc.Columns...),
		}
	}

	out.ForeignKeys = make([]ForeignKey, len(t.ForeignKeys))
	for i, fk := range t.ForeignKeys {
		out.ForeignKeys[i] = ForeignKey{
			Name:         fk.Name,
			LocalColumns: append([]string(nil), fk.LocalColumns...),
			RefTable:     fk.RefTable,
			RefColumns:   append([]string(nil), fk.RefColumns...),
		}
	}

	out.Indexes = make([]Index, len(t.Indexes))
	for i, idx := range t.Indexes {
		out.Indexes[i] = Index{
			Name:    idx.Name,
			Columns: append([]string(nil), idx.Columns...),
			Unique:  idx.Unique,
			Method:  idx.Method,
		}
	}

	return out
}

// Clone returns a deep copy of the column.
func (c Column) Clone() Column {
	out := c
	out.Type = c.Type.Clone()
	if c.Default != nil {
		d := *c.Default
		out.Default = &d
	}
	return out
}

// Clone returns a deep copy of the type.
func (t PgType) Clone() PgType {
	out := t
	if t.VarcharLen != nil {
		v := *t.VarcharLen
		out.VarcharLen = &v
	}
	if t.NumericPrecision != nil {
		v := *t.NumericPrecision
		out.NumericPrecision = &v
	}
	if t.NumericScale != nil {
		v := *t.NumericScale
		out.NumericScale = &v
	}
	if t.ArrayElem != nil {
		e := t.ArrayElem.Clone()
		out.ArrayElem = &e
	}
	return out
}
