package solve

import (
	"strings"
	"testing"

	"github.com/dibs-project/dibs/change"
	"github.com/dibs-project/dibs/dibserrors"
	"github.com/dibs-project/dibs/schema"
)

func TestSolveOrdersCreateBeforeAddForeignKey(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{
		Name:       "users",
		Columns:    []schema.Column{{Name: "id", Type: schema.TypeBigint()}},
		PrimaryKey: []string{"id"},
	})

	declared := live.Clone()
	postsTable := schema.Table{
		Name: "posts",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeBigint()},
			{Name: "author_id", Type: schema.TypeBigint()},
		},
		PrimaryKey: []string{"id"},
		ForeignKeys: []schema.ForeignKey{
			{Name: "posts_author_id_fkey", LocalColumns: []string{"author_id"}, RefTable: "users", RefColumns: []string{"id"}},
		},
	}
	declared.AddTable(postsTable)

	cs := change.ChangeSet{
		&change.AddForeignKey{Table: "posts", FK: postsTable.ForeignKeys[0]},
		&change.CreateTable{Table: schema.Table{
			Name: "posts",
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeBigint()},
				{Name: "author_id", Type: schema.TypeBigint()},
			},
			PrimaryKey: []string{"id"},
		}},
	}

	plan, err := Solve(cs, live, declared)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if len(plan.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(plan.Changes))
	}
	if plan.Changes[0].Kind() != change.KindCreateTable {
		t.Fatalf("expected CreateTable to run first, got %s", plan.Changes[0].Kind())
	}
	if plan.Changes[1].Kind() != change.KindAddForeignKey {
		t.Fatalf("expected AddForeignKey to run last, got %s", plan.Changes[1].Kind())
	}
}

func TestSolveBreaksCircularTableRename(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{Name: "a", Columns: []schema.Column{{Name: "id", Type: schema.TypeBigint()}}})
	live.AddTable(schema.Table{Name: "b", Columns: []schema.Column{{Name: "id", Type: schema.TypeBigint()}}})

	// A direct 2-cycle: a->b, b->a. Neither rename's precondition can
	// hold until the other has run, so the solver must route through a
	// synthetic temporary name (§4.3's circular-rename scenario).
	cs := change.ChangeSet{
		&change.RenameTable{From: "a", To: "b"},
		&change.RenameTable{From: "b", To: "a"},
	}

	declared := schema.New()
	declared.AddTable(schema.Table{Name: "a", Columns: []schema.Column{{Name: "id", Type: schema.TypeBigint()}}})
	declared.AddTable(schema.Table{Name: "b", Columns: []schema.Column{{Name: "id", Type: schema.TypeBigint()}}})

	plan, err := Solve(cs, live, declared)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if len(plan.Changes) != 3 {
		t.Fatalf("expected the 2-cycle to be rewritten into 3 renames through a temp name, got %d: %v", len(plan.Changes), plan.Changes)
	}

	var sawTmp bool
	for _, c := range plan.Changes {
		rt := c.(*change.RenameTable)
		if strings.Contains(rt.To, "_dibs_tmp_") || strings.Contains(rt.From, "_dibs_tmp_") {
			sawTmp = true
		}
	}
	if !sawTmp {
		t.Fatal("expected the rewritten plan to route through a _dibs_tmp_ name")
	}
}

func TestSolveReportsPreconditionErrorWhenStuck(t *testing.T) {
	live := schema.New()
	declared := schema.New()
	declared.AddTable(schema.Table{
		Name: "posts",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeBigint()},
			{Name: "author_id", Type: schema.TypeBigint()},
		},
		PrimaryKey: []string{"id"},
		ForeignKeys: []schema.ForeignKey{
			{Name: "posts_author_id_fkey", LocalColumns: []string{"author_id"}, RefTable: "users", RefColumns: []string{"id"}},
		},
	})

	cs := change.ChangeSet{
		&change.AddForeignKey{Table: "posts", FK: declared.Tables["posts"].ForeignKeys[0]},
	}

	_, err := Solve(cs, live, declared)
	if err == nil {
		t.Fatal("expected an error: posts table was never created and users doesn't exist")
	}
	derr, ok := err.(*dibserrors.Error)
	if !ok {
		t.Fatalf("expected a *dibserrors.Error, got %T", err)
	}
	if derr.Kind != dibserrors.KindPrecondition {
		t.Fatalf("expected KindPrecondition, got %s", derr.Kind)
	}
}

func TestSolveWarnsOnUnsafeNotNullAddColumn(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{
		Name:    "users",
		Columns: []schema.Column{{Name: "id", Type: schema.TypeBigint()}},
	})
	declared := live.Clone()
	declared.Tables["users"].Columns = append(declared.Tables["users"].Columns, schema.Column{
		Name: "tenant_id", Type: schema.TypeBigint(), Nullable: false,
	})

	cs := change.ChangeSet{
		&change.AddColumn{Table: "users", Column: schema.Column{Name: "tenant_id", Type: schema.TypeBigint(), Nullable: false}},
	}

	plan, err := Solve(cs, live, declared)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if len(plan.Warnings) != 1 {
		t.Fatalf("expected one warning about NOT NULL column with no default, got %v", plan.Warnings)
	}
}

func TestSolveNoWarningWhenColumnAddedToFreshTable(t *testing.T) {
	live := schema.New()
	declared := schema.New()
	tbl := schema.Table{
		Name:       "widgets",
		Columns:    []schema.Column{{Name: "id", Type: schema.TypeBigint()}, {Name: "name", Type: schema.TypeText()}},
		PrimaryKey: []string{"id"},
	}
	declared.AddTable(tbl)

	cs := change.ChangeSet{
		&change.CreateTable{Table: schema.Table{Name: "widgets", Columns: []schema.Column{{Name: "id", Type: schema.TypeBigint()}}, PrimaryKey: []string{"id"}}},
		&change.AddColumn{Table: "widgets", Column: schema.Column{Name: "name", Type: schema.TypeText(), Nullable: false}},
	}

	plan, err := Solve(cs, live, declared)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if len(plan.Warnings) != 0 {
		t.Fatalf("expected no warning when the table was just created, got %v", plan.Warnings)
	}
}

// TestSolveRetypesFKLinkedColumnsTogether exercises a primary key and its
// dependent foreign key column retyping in the same run (§8: column
// retype with FK dependent), with the foreign key dropped and re-added
// around the retypes as diff emits it. DropForeignKey scans first, and
// once it has run both AlterColumnType preconditions hold, so the plan
// is the drop, the two retypes, then the add.
func TestSolveRetypesFKLinkedColumnsTogether(t *testing.T) {
	live := schema.New()
	live.AddTable(schema.Table{
		Name:       "t",
		Columns:    []schema.Column{{Name: "id", Type: schema.TypeInt()}},
		PrimaryKey: []string{"id"},
	})
	live.AddTable(schema.Table{
		Name:    "u",
		Columns: []schema.Column{{Name: "id", Type: schema.TypeBigint()}, {Name: "t_id", Type: schema.TypeInt()}},
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
		Columns: []schema.Column{{Name: "id", Type: schema.TypeBigint()}, {Name: "t_id", Type: schema.TypeBigint()}},
		ForeignKeys: []schema.ForeignKey{
			{Name: "u_t_id_fkey", LocalColumns: []string{"t_id"}, RefTable: "t", RefColumns: []string{"id"}},
		},
	})

	cs := change.ChangeSet{
		&change.DropForeignKey{Table: "u", Name: "u_t_id_fkey"},
		&change.AlterColumnType{Table: "t", Column: "id", From: schema.TypeInt(), To: schema.TypeBigint()},
		&change.AlterColumnType{Table: "u", Column: "t_id", From: schema.TypeInt(), To: schema.TypeBigint()},
		&change.AddForeignKey{Table: "u", FK: schema.ForeignKey{
			Name: "u_t_id_fkey", LocalColumns: []string{"t_id"}, RefTable: "t", RefColumns: []string{"id"},
		}},
	}

	plan, err := Solve(cs, live, declared)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if len(plan.Changes) != 4 {
		t.Fatalf("expected 4 changes, got %d: %v", len(plan.Changes), plan.Changes)
	}
	if plan.Changes[0].Kind() != change.KindDropForeignKey {
		t.Fatalf("expected DropForeignKey first, got %s", plan.Changes[0].Kind())
	}
	if plan.Changes[3].Kind() != change.KindAddForeignKey {
		t.Fatalf("expected AddForeignKey last, got %s", plan.Changes[3].Kind())
	}
	for _, c := range plan.Changes[1:3] {
		if c.Kind() != change.KindAlterColumnType {
			t.Fatalf("expected the two retypes sandwiched between the FK drop and add, got %s", c.Kind())
		}
	}
}

// TestSolveRetypesFKLinkedColumnsEvenWithoutFKDropAndAdd exercises the
// precondition's own "scheduled for matching type change" allowance
// directly (spec.md:153), independent of whether the foreign key
// itself happens to be dropped and recreated around the retype.
func TestSolveRetypesFKLinkedColumnsEvenWithoutFKDropAndAdd(t *testing.T) {
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

	cs := change.ChangeSet{
		&change.AlterColumnType{Table: "t", Column: "id", From: schema.TypeInt(), To: schema.TypeBigint()},
		&change.AlterColumnType{Table: "u", Column: "t_id", From: schema.TypeInt(), To: schema.TypeBigint()},
	}

	plan, err := Solve(cs, live, declared)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if len(plan.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %v", len(plan.Changes), plan.Changes)
	}
}
