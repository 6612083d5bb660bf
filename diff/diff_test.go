package diff

import (
	"testing"

	"github.com/dibs-project/dibs/change"
	"github.com/dibs-project/dibs/schema"
)

func countKind(cs change.ChangeSet, k change.Kind) int {
	n := 0
	for _, c := range cs {
		if c.Kind() == k {
			n++
		}
	}
	return n
}

func findRenameTable(cs change.ChangeSet) *change.RenameTable {
	for _, c := range cs {
		if rt, ok := c.(*change.RenameTable); ok {
			return rt
		}
	}
	return nil
}

func TestDiffNoOpProducesEmptyChangeSet(t *testing.T) {
	s := schema.New()
	s.AddTable(schema.Table{
		Name:       "users",
		Columns:    []schema.Column{{Name: "id", Type: schema.TypeBigint()}},
		PrimaryKey: []string{"id"},
	})

	cs := Diff(s, s.Clone())
	if len(cs) != 0 {
		t.Fatalf("expected no changes for identical schemas, got %v", cs)
	}
}

func TestDiffDetectsTablePluralizationRename(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{
		Name: "user",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeBigint()},
			{Name: "email", Type: schema.TypeText()},
		},
		PrimaryKey: []string{"id"},
	})

	declared := schema.New()
	declared.AddTable(schema.Table{
		Name: "users",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeBigint()},
			{Name: "email", Type: schema.TypeText()},
		},
		PrimaryKey: []string{"id"},
	})

	cs := Diff(declared, live)
	rt := findRenameTable(cs)
	if rt == nil {
		t.Fatalf("expected a RenameTable change, got %v", cs)
	}
	if rt.From != "user" || rt.To != "users" {
		t.Fatalf("expected rename user->users, got %s->%s", rt.From, rt.To)
	}
	if countKind(cs, change.KindCreateTable) != 0 || countKind(cs, change.KindDropTable) != 0 {
		t.Fatalf("expected no create/drop when a rename match exists, got %v", cs)
	}
}

func TestDiffLowSimilarityIsDropAndCreateNotRename(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{
		Name:    "legacy_widgets",
		Columns: []schema.Column{{Name: "a", Type: schema.TypeText()}},
	})

	declared := schema.New()
	declared.AddTable(schema.Table{
		Name:    "orders",
		Columns: []schema.Column{{Name: "total_cents", Type: schema.TypeBigint()}, {Name: "currency", Type: schema.TypeText()}},
	})

	cs := Diff(declared, live)
	if countKind(cs, change.KindRenameTable) != 0 {
		t.Fatalf("expected no rename between dissimilar tables, got %v", cs)
	}
	if countKind(cs, change.KindCreateTable) != 1 || countKind(cs, change.KindDropTable) != 1 {
		t.Fatalf("expected one create and one drop, got %v", cs)
	}
}

func TestDiffColumnRenameWithFKFollowThrough(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{
		Name:       "users",
		Columns:    []schema.Column{{Name: "id", Type: schema.TypeBigint()}},
		PrimaryKey: []string{"id"},
	})
	live.AddTable(schema.Table{
		Name: "posts",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeBigint()},
			{Name: "user_id", Type: schema.TypeBigint()},
		},
		PrimaryKey: []string{"id"},
		ForeignKeys: []schema.ForeignKey{
			{Name: "posts_user_id_fkey", LocalColumns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"}},
		},
	})

	declared := schema.New()
	declared.AddTable(schema.Table{
		Name:       "users",
		Columns:    []schema.Column{{Name: "id", Type: schema.TypeBigint()}},
		PrimaryKey: []string{"id"},
	})
	declared.AddTable(schema.Table{
		Name: "posts",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeBigint()},
			{Name: "owner_id", Type: schema.TypeBigint()},
		},
		PrimaryKey: []string{"id"},
		ForeignKeys: []schema.ForeignKey{
			{Name: "posts_user_id_fkey", LocalColumns: []string{"owner_id"}, RefTable: "users", RefColumns: []string{"id"}},
		},
	})

	cs := Diff(declared, live)
	if countKind(cs, change.KindRenameColumn) != 1 {
		t.Fatalf("expected exactly one column rename, got %v", cs)
	}
	if countKind(cs, change.KindDropForeignKey) != 0 || countKind(cs, change.KindAddForeignKey) != 0 {
		t.Fatalf("a same-named foreign key whose local column is renamed should not be dropped and re-added, got %v", cs)
	}
}

func TestDiffColumnTypeChangeEmitsAlterColumnType(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{
		Name:    "products",
		Columns: []schema.Column{{Name: "sku", Type: schema.TypeInt()}},
	})
	declared := schema.New()
	declared.AddTable(schema.Table{
		Name:    "products",
		Columns: []schema.Column{{Name: "sku", Type: schema.TypeBigint()}},
	})

	cs := Diff(declared, live)
	if countKind(cs, change.KindAlterColumnType) != 1 {
		t.Fatalf("expected one AlterColumnType, got %v", cs)
	}
}

func TestDiffRetypedFKEndpointDropsAndReaddsForeignKey(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{
		Name:       "t",
		Columns:    []schema.Column{{Name: "id", Type: schema.TypeInt()}},
		PrimaryKey: []string{"id"},
	})
	live.AddTable(schema.Table{
		Name:    "u",
		Columns: []schema.Column{{Name: "t_id", Type: schema.TypeInt()}},
		ForeignKeys: []schema.ForeignKey{
			{Name: "u_t_id_fkey", LocalColumns: []string{"t_id"}, RefTable: "t", RefColumns: []string{"id"}},
		},
	})

	declared := schema.New()
	declared.AddTable(schema.Table{
		Name:       "t",
		Columns:    []schema.Column{{Name: "id", Type: schema.TypeBigint()}},
		PrimaryKey: []string{"id"},
	})
	declared.AddTable(schema.Table{
		Name:    "u",
		Columns: []schema.Column{{Name: "t_id", Type: schema.TypeBigint()}},
		ForeignKeys: []schema.ForeignKey{
			{Name: "u_t_id_fkey", LocalColumns: []string{"t_id"}, RefTable: "t", RefColumns: []string{"id"}},
		},
	})

	cs := Diff(declared, live)
	if countKind(cs, change.KindDropForeignKey) != 1 || countKind(cs, change.KindAddForeignKey) != 1 {
		t.Fatalf("a foreign key whose endpoint retyped underneath it should be dropped and re-added, got %v", cs)
	}
	if countKind(cs, change.KindAlterColumnType) != 2 {
		t.Fatalf("expected both t.id and u.t_id to retype, got %v", cs)
	}
}

func TestDiffUnchangedFKIsNotTouchedWhenEndpointTypesMatch(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{
		Name:       "t",
		Columns:    []schema.Column{{Name: "id", Type: schema.TypeBigint()}},
		PrimaryKey: []string{"id"},
	})
	live.AddTable(schema.Table{
		Name:    "u",
		Columns: []schema.Column{{Name: "t_id", Type: schema.TypeBigint()}},
		ForeignKeys: []schema.ForeignKey{
			{Name: "u_t_id_fkey", LocalColumns: []string{"t_id"}, RefTable: "t", RefColumns: []string{"id"}},
		},
	})

	declared := live.Clone()

	cs := Diff(declared, live)
	if len(cs) != 0 {
		t.Fatalf("expected no changes for an identical schema, got %v", cs)
	}
}

func TestDiffPrimaryKeyColumnSetChangeDropsAndReadds(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{
		Name:       "memberships",
		Columns:    []schema.Column{{Name: "user_id", Type: schema.TypeBigint()}, {Name: "org_id", Type: schema.TypeBigint()}},
		PrimaryKey: []string{"user_id"},
	})
	declared := schema.New()
	declared.AddTable(schema.Table{
		Name:       "memberships",
		Columns:    []schema.Column{{Name: "user_id", Type: schema.TypeBigint()}, {Name: "org_id", Type: schema.TypeBigint()}},
		PrimaryKey: []string{"user_id", "org_id"},
	})

	cs := Diff(declared, live)
	if countKind(cs, change.KindDropPrimaryKey) != 1 || countKind(cs, change.KindAddPrimaryKey) != 1 {
		t.Fatalf("expected one drop and one add of the primary key, got %v", cs)
	}
}

func TestDiffPrimaryKeySameSetDifferentOrderIsNoOp(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{
		Name:       "memberships",
		Columns:    []schema.Column{{Name: "user_id", Type: schema.TypeBigint()}, {Name: "org_id", Type: schema.TypeBigint()}},
		PrimaryKey: []string{"user_id", "org_id"},
	})
	declared := schema.New()
	declared.AddTable(schema.Table{
		Name:       "memberships",
		Columns:    []schema.Column{{Name: "user_id", Type: schema.TypeBigint()}, {Name: "org_id", Type: schema.TypeBigint()}},
		PrimaryKey: []string{"org_id", "user_id"},
	})

	cs := Diff(declared, live)
	if len(cs) != 0 {
		t.Fatalf("expected no change when primary key column set is unchanged, got %v", cs)
	}
}

func TestDiffUnnamedUniqueConstraintMatchedByColumnSignature(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{
		Name:              "users",
		Columns:           []schema.Column{{Name: "email", Type: schema.TypeText()}},
		UniqueConstraints: []schema.UniqueConstraint{{Columns: []string{"email"}}},
	})
	declared := schema.New()
	declared.AddTable(schema.Table{
		Name:              "users",
		Columns:           []schema.Column{{Name: "email", Type: schema.TypeText()}},
		UniqueConstraints: []schema.UniqueConstraint{{Columns: []string{"email"}}},
	})

	cs := Diff(declared, live)
	if countKind(cs, change.KindAddUnique) != 0 || countKind(cs, change.KindDropUnique) != 0 {
		t.Fatalf("expected structurally identical unnamed unique constraints to produce no change, got %v", cs)
	}
}

func TestDiffInternalTablesAreIgnored(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{Name: "__dibs_migrations", IsInternal: true})
	declared := schema.New()

	cs := Diff(declared, live)
	if len(cs) != 0 {
		t.Fatalf("expected reserved tables to be excluded from diffing, got %v", cs)
	}
}
