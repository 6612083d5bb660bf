package schema

import "sort"

// Equal performs deep structural equality between two schemas, as used
// by the solver's post-application verification pass (§4.3, §8). Table
// names and column order matter; the order of constraints and indexes
// does not, since Postgres-generated names for otherwise-identical
// constraints need not match syntactically (§4.3 "Failure modes").
func (s *Schema) Equal(other *Schema) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.Tables) != len(other.Tables) {
		return false
	}
	for name, t := range s.Tables {
		ot, ok := other.Tables[name]
		if !ok {
			return false
		}
		if !t.Equal(ot) {
			return false
		}
	}
	return true
}

// Equal performs deep structural equality between two tables.
func (t *Table) Equal(other *Table) bool {
	if t.Name != other.Name {
		return false
	}
	if !columnsEqual(t.Columns, other.Columns) {
		return false
	}
	if !stringSliceEqual(t.PrimaryKey, other.PrimaryKey) {
		return false
	}
	if !uniqueSetsEqual(t.UniqueConstraints, other.UniqueConstraints) {
		return false
	}
	if !fkSetsEqual(t.ForeignKeys, other.ForeignKeys) {
		return false
	}
	if !indexSetsEqual(t.Indexes, other.Indexes) {
		return false
	}
	return true
}

func columnsEqual(a, b []Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Equal compares two columns structurally (name, type, nullability,
// default text, identity).
func (c Column) Equal(other Column) bool {
	if c.Name != other.Name {
		return false
	}
	if !c.Type.Equal(other.Type) {
		return false
	}
	if c.Nullable != other.Nullable {
		return false
	}
	if !stringPtrEqual(c.Default, other.Default) {
		return false
	}
	if c.Identity != other.Identity {
		return false
	}
	return true
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func uniqueSetsEqual(a, b []UniqueConstraint) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for _, uc := range a {
		found := false
		key := sortedCopy(uc.Columns)
		for j, other := range b {
			if used[j] {
				continue
			}
			if stringSliceEqual(key, sortedCopy(other.Columns)) {
				used[j] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func fkSetsEqual(a, b []ForeignKey) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for _, fk := range a {
		found := false
		for j, other := range b {
			if used[j] {
				continue
			}
			if stringSliceEqual(fk.LocalColumns, other.LocalColumns) &&
				fk.RefTable == other.RefTable &&
				stringSliceEqual(fk.RefColumns, other.RefColumns) {
				used[j] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func indexSetsEqual(a, b []Index) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for _, idx := range a {
		found := false
		for j, other := range b {
			if used[j] {
				continue
			}
			if stringSliceEqual(idx.Columns, other.Columns) &&
				idx.Unique == other.Unique &&
				idx.Method == other.Method {
				used[j] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
