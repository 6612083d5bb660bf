package schema

import "fmt"

// Validate checks the six invariants of §3 against a schema, for
// callers that build a Schema by hand. ParseDDL and Solve do not call
// it.
func (s *Schema) Validate() error {
	for _, name := range s.TableNames() {
		t := s.Tables[name]

		seen := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			if seen[c.Name] {
				return fmt.Errorf("table %q: duplicate column %q", t.Name, c.Name)
			}
			seen[c.Name] = true
		}

		for _, col := range t.PrimaryKey {
			c, ok := t.Column(col)
			if !ok {
				return fmt.Errorf("table %q: primary key references unknown column %q", t.Name, col)
			}
			if c.Nullable {
				return fmt.Errorf("table %q: primary key column %q must be NOT NULL", t.Name, col)
			}
		}

		for _, uc := range t.UniqueConstraints {
			for _, col := range uc.Columns {
				if _, ok := t.Column(col); !ok {
					return fmt.Errorf("table %q: unique constraint %q references unknown column %q", t.Name, uc.Name, col)
				}
			}
		}

		for _, idx := range t.Indexes {
			for _, col := range idx.Columns {
				if _, ok := t.Column(col); !ok {
					return fmt.Errorf("table %q: index %q references unknown column %q", t.Name, idx.Name, col)
				}
			}
		}

		if err := s.validateForeignKeys(t); err != nil {
			return err
		}
	}

	if err := s.validateUniqueNames(); err != nil {
		return err
	}

	return nil
}

func (s *Schema) validateForeignKeys(t *Table) error {
	for _, fk := range t.ForeignKeys {
		if len(fk.LocalColumns) != len(fk.RefColumns) {
			return fmt.Errorf("table %q: foreign key %q has %d local columns but %d referenced columns",
				t.Name, fk.Name, len(fk.LocalColumns), len(fk.RefColumns))
		}

		for _, col := range fk.LocalColumns {
			if _, ok := t.Column(col); !ok {
				return fmt.Errorf("table %q: foreign key %q references unknown local column %q", t.Name, fk.Name, col)
			}
		}

		refTable, ok := s.Table(fk.RefTable)
		if !ok {
			return fmt.Errorf("table %q: foreign key %q references unknown table %q", t.Name, fk.Name, fk.RefTable)
		}

		for _, col := range fk.RefColumns {
			if _, ok := refTable.Column(col); !ok {
				return fmt.Errorf("table %q: foreign key %q references unknown column %q on table %q",
					t.Name, fk.Name, col, fk.RefTable)
			}
		}

		if !columnsFormKeyOn(refTable, fk.RefColumns) {
			return fmt.Errorf("table %q: foreign key %q's referenced columns %v are not the primary key or a unique constraint on %q",
				t.Name, fk.Name, fk.RefColumns, fk.RefTable)
		}
	}
	return nil
}

// ColumnsFormPrimaryOrUniqueKey reports whether cols, in any order,
// form the table's primary key or one of its unique-constraint column
// groups — the requirement a foreign key's referenced columns must
// satisfy (§3 invariant 2, §4.3 AddForeignKey precondition).
func (t *Table) ColumnsFormPrimaryOrUniqueKey(cols []string) bool {
	return columnsFormKeyOn(t, cols)
}

// HasColumns reports whether every name in cols is a column of t.
func (t *Table) HasColumns(cols []string) bool {
	for _, c := range cols {
		if _, ok := t.Column(c); !ok {
			return false
		}
	}
	return true
}

// NameTaken reports whether name is already used by a unique
// constraint, foreign key, or index anywhere in the schema (§3
// invariant 5: such names are unique schema-wide). An empty name is
// never considered taken.
func (s *Schema) NameTaken(name string) bool {
	if name == "" {
		return false
	}
	for _, tn := range s.TableNames() {
		t := s.Tables[tn]
		if _, ok := t.UniqueConstraintByName(name); ok {
			return true
		}
		if _, ok := t.ForeignKeyByName(name); ok {
			return true
		}
		if _, ok := t.IndexByName(name); ok {
			return true
		}
	}
	return false
}

// columnsFormKeyOn reports whether cols, in any order, equal the
// table's primary key or one of its unique-constraint column groups.
func columnsFormKeyOn(t *Table, cols []string) bool {
	if sameColumnSet(t.PrimaryKey, cols) {
		return true
	}
	for _, uc := range t.UniqueConstraints {
		if sameColumnSet(uc.Columns, cols) {
			return true
		}
	}
	return false
}

func sameColumnSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return false
	}
	return stringSliceEqual(sortedCopy(a), sortedCopy(b))
}

func (s *Schema) validateUniqueNames() error {
	names := make(map[string]string)
	for _, tableName := range s.TableNames() {
		t := s.Tables[tableName]
		for _, uc := range t.UniqueConstraints {
			if err := claimName(names, uc.Name, tableName); err != nil {
				return err
			}
		}
		for _, fk := range t.ForeignKeys {
			if err := claimName(names, fk.Name, tableName); err != nil {
				return err
			}
		}
		for _, idx := range t.Indexes {
			if err := claimName(names, idx.Name, tableName); err != nil {
				return err
			}
		}
	}
	return nil
}

func claimName(names map[string]string, name, owner string) error {
	if name == "" {
		return nil
	}
	if prev, ok := names[name]; ok && prev != owner {
		return fmt.Errorf("constraint/index name %q used on both %q and %q", name, prev, owner)
	}
	names[name] = owner
	return nil
}
