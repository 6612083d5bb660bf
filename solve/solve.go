// Package solve orders a ChangeSet into a safe-to-execute Plan by
// simulating each candidate change against a virtual clone of the
// live schema (§4.3): a worklist fixed point that repeatedly applies
// whichever change is ready, breaking ties by a canonical scan order,
// and rewriting pure rename cycles through a synthetic temporary name
// when nothing else can progress.
package solve

import (
	"fmt"
	"sort"

	"github.com/dibs-project/dibs/change"
	"github.com/dibs-project/dibs/dibserrors"
	"github.com/dibs-project/dibs/schema"
)

// Plan is an ordered sequence of changes that transforms live into
// declared, plus any non-blocking warnings the solver surfaced while
// building it (e.g. a NOT NULL column added with no default on a
// table that might not be empty — §4.3, §9 Open Questions).
type Plan struct {
	Changes  []change.Change
	Warnings []string
}

// Solve orders cs against live and verifies the result reproduces
// declared. Declared is required to run the post-application
// verification pass (§4.3); the ChangeSet alone does not carry enough
// information to tell a completed plan from a stuck one.
func Solve(cs change.ChangeSet, live, declared *schema.Schema) (*Plan, error) {
	remaining := append(change.ChangeSet(nil), cs...)
	virt := live.Clone()

	plan := &Plan{}
	createdTables := map[string]bool{}

	for len(remaining) > 0 {
		next := pickReady(remaining, virt)
		if next == nil {
			next = pickScheduledRetype(remaining, virt)
		}
		if next == nil {
			rewritten, ok := breakRenameCycle(remaining, virt)
			if !ok {
				return nil, stuckError(remaining, virt)
			}
			remaining = rewritten
			continue
		}

		if err := next.Apply(virt); err != nil {
			return nil, dibserrors.Precondition(
				fmt.Sprintf("applying %s failed: %v", next.Kind(), err),
				dibserrors.Context{},
			)
		}

		recordEffects(next, createdTables, plan)
		plan.Changes = append(plan.Changes, next)
		remaining = removeChange(remaining, next)
	}

	if !virt.Equal(declared) {
		return nil, dibserrors.VerificationFailure(
			"plan's simulated end state does not match the declared schema",
			dibserrors.Context{},
		)
	}

	return plan, nil
}

// pickReady scans remaining in canonical-kind order and returns the
// first change whose precondition currently holds, or nil if none do.
func pickReady(remaining []change.Change, virt *schema.Schema) change.Change {
	scan := append([]change.Change(nil), remaining...)
	sort.SliceStable(scan, func(i, j int) bool { return scan[i].Kind() < scan[j].Kind() })

	for _, c := range scan {
		if c.Precondition(virt) == "" {
			return c
		}
	}
	return nil
}

// pickScheduledRetype returns an AlterColumnType change whose literal
// Precondition is blocked only by an FK-linked column that is itself
// scheduled for a matching retype elsewhere in remaining, rather than
// already compatible (§4.3: the referenced column "must also be
// scheduled for matching type change or already compatible"). Ordinary
// Precondition can only see the virtual schema, not the rest of the
// worklist, so this mirrors its FK walk here with that extra knowledge.
func pickScheduledRetype(remaining []change.Change, virt *schema.Schema) change.Change {
	scan := append([]change.Change(nil), remaining...)
	sort.SliceStable(scan, func(i, j int) bool { return scan[i].Kind() < scan[j].Kind() })

	for _, c := range scan {
		act, ok := c.(*change.AlterColumnType)
		if !ok {
			continue
		}
		if act.Precondition(virt) == "" {
			continue
		}
		if fkRetypeSatisfied(act, remaining, virt) {
			return c
		}
	}
	return nil
}

// fkRetypeSatisfied reports whether every FK endpoint tied to act.Column
// either already matches act.To or has a matching AlterColumnType still
// pending in remaining.
func fkRetypeSatisfied(act *change.AlterColumnType, remaining []change.Change, virt *schema.Schema) bool {
	t, ok := virt.Table(act.Table)
	if !ok {
		return false
	}

	for i := range t.ForeignKeys {
		fk := t.ForeignKeys[i]
		for j, localCol := range fk.LocalColumns {
			if localCol != act.Column {
				continue
			}
			refTable, ok := virt.Table(fk.RefTable)
			if !ok {
				continue
			}
			refCol, ok := refTable.Column(fk.RefColumns[j])
			if !ok || refCol.Type.Equal(act.To) {
				continue
			}
			if !scheduledRetypeMatch(remaining, fk.RefTable, fk.RefColumns[j], act.To) {
				return false
			}
		}
	}

	for _, name := range virt.TableNames() {
		other := virt.Tables[name]
		for _, fk := range other.ForeignKeys {
			if fk.RefTable != act.Table {
				continue
			}
			for j, refCol := range fk.RefColumns {
				if refCol != act.Column {
					continue
				}
				localCol, ok := other.Column(fk.LocalColumns[j])
				if !ok || localCol.Type.Equal(act.To) {
					continue
				}
				if !scheduledRetypeMatch(remaining, name, fk.LocalColumns[j], act.To) {
					return false
				}
			}
		}
	}

	return true
}

// scheduledRetypeMatch reports whether remaining still holds an
// AlterColumnType targeting table.column with exactly the type want,
// meaning that column's retype is scheduled rather than already done.
func scheduledRetypeMatch(remaining []change.Change, table, column string, want schema.PgType) bool {
	for _, c := range remaining {
		act, ok := c.(*change.AlterColumnType)
		if !ok || act.Table != table || act.Column != column {
			continue
		}
		if act.To.Equal(want) {
			return true
		}
	}
	return false
}

func removeChange(remaining []change.Change, target change.Change) []change.Change {
	out := make([]change.Change, 0, len(remaining)-1)
	removed := false
	for _, c := range remaining {
		if !removed && c == target {
			removed = true
			continue
		}
		out = append(out, c)
	}
	return out
}

func recordEffects(c change.Change, createdTables map[string]bool, plan *Plan) {
	switch cc := c.(type) {
	case *change.CreateTable:
		createdTables[cc.Table.Name] = true
	case *change.AddColumn:
		if !cc.Column.Nullable && cc.Column.Default == nil && !createdTables[cc.Table] {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf(
				"table %q: adding NOT NULL column %q with no default requires the table to be empty; back-fill before or alongside this change",
				cc.Table, cc.Column.Name,
			))
		}
	}
}

// stuckError reports why the worklist could not progress: the first
// blocking change in canonical order together with its unmet
// precondition.
func stuckError(remaining []change.Change, virt *schema.Schema) error {
	scan := append([]change.Change(nil), remaining...)
	sort.SliceStable(scan, func(i, j int) bool { return scan[i].Kind() < scan[j].Kind() })

	if len(scan) == 0 {
		return dibserrors.UnresolvableDependency("worklist stuck with no remaining changes", dibserrors.Context{})
	}

	first := scan[0]
	return dibserrors.Precondition(
		fmt.Sprintf("%s cannot be applied: %s", first.Kind(), first.Precondition(virt)),
		dibserrors.Context{},
	)
}

// breakRenameCycle looks for a cycle among pure RenameTable or
// RenameColumn changes in remaining and rewrites one edge of it
// through a synthetic temporary name (§4.3). It returns ok=false if
// remaining contains anything that is not a rename, since rewriting
// cannot help a stuck worklist in that case.
func breakRenameCycle(remaining []change.Change, virt *schema.Schema) ([]change.Change, bool) {
	if tableEdges, ok := renameTableEdges(remaining); ok {
		if cycle, found := findCycle(tableEdges); found {
			return rewriteTableCycle(remaining, virt, cycle), true
		}
	}
	if colEdges, scope, ok := renameColumnEdges(remaining); ok {
		for table, edges := range colEdges {
			if cycle, found := findCycle(edges); found {
				return rewriteColumnCycle(remaining, virt, table, cycle, scope), true
			}
		}
	}
	return nil, false
}

func renameTableEdges(remaining []change.Change) (map[string]string, bool) {
	edges := make(map[string]string, len(remaining))
	for _, c := range remaining {
		rt, ok := c.(*change.RenameTable)
		if !ok {
			return nil, false
		}
		edges[rt.From] = rt.To
	}
	return edges, len(edges) > 0
}

func renameColumnEdges(remaining []change.Change) (map[string]map[string]string, map[string]string, bool) {
	byTable := make(map[string]map[string]string)
	scope := make(map[string]string)
	for _, c := range remaining {
		rc, ok := c.(*change.RenameColumn)
		if !ok {
			return nil, nil, false
		}
		if byTable[rc.Table] == nil {
			byTable[rc.Table] = make(map[string]string)
		}
		byTable[rc.Table][rc.From] = rc.To
		scope[rc.From] = rc.Table
	}
	return byTable, scope, len(byTable) > 0
}

// findCycle returns one cycle in a functional graph (each key maps to
// at most one successor), or found=false if the graph is acyclic.
func findCycle(edges map[string]string) (cycle []string, found bool) {
	visited := map[string]bool{}
	for start := range edges {
		if visited[start] {
			continue
		}
		var path []string
		onPath := map[string]int{}
		cur := start
		for {
			if visited[cur] {
				break
			}
			if idx, ok := onPath[cur]; ok {
				return append([]string(nil), path[idx:]...), true
			}
			onPath[cur] = len(path)
			path = append(path, cur)
			next, ok := edges[cur]
			if !ok {
				break
			}
			cur = next
		}
		for _, n := range path {
			visited[n] = true
		}
	}
	return nil, false
}

func rewriteTableCycle(remaining []change.Change, virt *schema.Schema, cycle []string) []change.Change {
	sort.Strings(cycle)
	first := cycle[0]

	var to string
	out := make([]change.Change, 0, len(remaining)+1)
	for _, c := range remaining {
		rt := c.(*change.RenameTable)
		if rt.From == first {
			to = rt.To
			continue
		}
		out = append(out, c)
	}

	tmp := freshTempName(first, func(n string) bool {
		_, exists := virt.Table(n)
		return exists
	})

	out = append(out, &change.RenameTable{From: first, To: tmp})
	out = append(out, &change.RenameTable{From: tmp, To: to})
	return out
}

func rewriteColumnCycle(remaining []change.Change, virt *schema.Schema, table string, cycle []string, scope map[string]string) []change.Change {
	sort.Strings(cycle)
	first := cycle[0]

	var to string
	out := make([]change.Change, 0, len(remaining)+1)
	for _, c := range remaining {
		rc, ok := c.(*change.RenameColumn)
		if !ok || rc.Table != table || scope[rc.From] != table {
			out = append(out, c)
			continue
		}
		if rc.From == first {
			to = rc.To
			continue
		}
		out = append(out, c)
	}

	t, _ := virt.Table(table)
	tmp := freshTempName(first, func(n string) bool {
		_, exists := t.Column(n)
		return exists
	})

	out = append(out, &change.RenameColumn{Table: table, From: first, To: tmp})
	out = append(out, &change.RenameColumn{Table: table, From: tmp, To: to})
	return out
}

func freshTempName(original string, taken func(string) bool) string {
	for n := 0; ; n++ {
		candidate := fmt.Sprintf("%s_dibs_tmp_%d", original, n)
		if !taken(candidate) {
			return candidate
		}
	}
}
