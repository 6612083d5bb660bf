// Package diff computes the typed ChangeSet between a declared and a
// live schema, including the rename heuristic of §4.2: a weighted
// similarity score over column overlap and name edit-distance decides
// whether a dropped table/column and an added one are really the same
// thing renamed.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dibs-project/dibs/change"
	"github.com/dibs-project/dibs/internal/strutil"
	"github.com/dibs-project/dibs/schema"
)

const similarityThreshold = 0.7

// Diff returns the ChangeSet whose effect, applied to live, yields
// declared. The result is deterministic for identical inputs;
// similarity ties are broken by lexicographic order of the declared
// name (§4.2).
func Diff(declared, live *schema.Schema) change.ChangeSet {
	declaredNames := nonInternalNames(declared)
	liveNames := nonInternalNames(live)

	declaredSet := toSet(declaredNames)
	liveSet := toSet(liveNames)

	var removedOnly, addedOnly, existing []string
	for _, n := range liveNames {
		if declaredSet[n] {
			existing = append(existing, n)
		} else {
			removedOnly = append(removedOnly, n)
		}
	}
	for _, n := range declaredNames {
		if !liveSet[n] {
			addedOnly = append(addedOnly, n)
		}
	}

	matches, unmatchedRemoved, unmatchedAdded := bipartiteMatch(removedOnly, addedOnly, func(r, a string) float64 {
		return tableSimilarity(live.Tables[r], declared.Tables[a])
	})

	var cs change.ChangeSet

	type pair struct {
		liveName      string
		declared      *schema.Table
		effectiveName string
	}
	var pairs []pair

	for _, m := range matches {
		cs = append(cs, &change.RenameTable{From: m.removed, To: m.added})
		pairs = append(pairs, pair{liveName: m.removed, declared: declared.Tables[m.added], effectiveName: m.added})
	}

	sort.Strings(unmatchedAdded)
	for _, n := range unmatchedAdded {
		cs = append(cs, &change.CreateTable{Table: *declared.Tables[n].Clone()})
	}

	sort.Strings(unmatchedRemoved)
	for _, n := range unmatchedRemoved {
		cs = append(cs, &change.DropTable{Name: n})
	}

	for _, n := range existing {
		pairs = append(pairs, pair{liveName: n, declared: declared.Tables[n], effectiveName: n})
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].effectiveName < pairs[j].effectiveName })

	for _, p := range pairs {
		cs = append(cs, diffTable(live, declared, live.Tables[p.liveName], p.declared, p.effectiveName)...)
	}

	return cs
}

func nonInternalNames(s *schema.Schema) []string {
	var out []string
	for _, n := range s.TableNames() {
		if !s.Tables[n].IsInternal {
			out = append(out, n)
		}
	}
	return out
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

type scoredMatch struct {
	removed, added string
	score          float64
}

// bipartiteMatch pairs each removed name with at most one added name,
// greedily by descending score (ties broken by the added name,
// lexicographically — §4.2's declared-name tie-break), keeping only
// pairs scoring above similarityThreshold.
func bipartiteMatch(removed, added []string, score func(r, a string) float64) (matches []scoredMatch, unmatchedRemoved, unmatchedAdded []string) {
	var candidates []scoredMatch
	for _, r := range removed {
		for _, a := range added {
			s := score(r, a)
			if s > similarityThreshold {
				candidates = append(candidates, scoredMatch{r, a, s})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].added < candidates[j].added
	})

	usedRemoved := map[string]bool{}
	usedAdded := map[string]bool{}
	for _, c := range candidates {
		if usedRemoved[c.removed] || usedAdded[c.added] {
			continue
		}
		usedRemoved[c.removed] = true
		usedAdded[c.added] = true
		matches = append(matches, c)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].added < matches[j].added })

	for _, r := range removed {
		if !usedRemoved[r] {
			unmatchedRemoved = append(unmatchedRemoved, r)
		}
	}
	for _, a := range added {
		if !usedAdded[a] {
			unmatchedAdded = append(unmatchedAdded, a)
		}
	}
	return matches, unmatchedRemoved, unmatchedAdded
}

func tableSimilarity(live, declared *schema.Table) float64 {
	jaccard := strutil.JaccardSimilarity(columnSignatures(live), columnSignatures(declared))
	nameSim := strutil.NameSimilarity(live.Name, declared.Name)
	return 0.6*jaccard + 0.4*nameSim
}

func columnSignatures(t *schema.Table) []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name + ":" + typeSignature(c.Type)
	}
	return out
}

func typeSignature(t schema.PgType) string {
	switch t.Kind {
	case schema.KindVarchar:
		if t.VarcharLen != nil {
			return fmt.Sprintf("varchar(%d)", *t.VarcharLen)
		}
		return "varchar"
	case schema.KindNumeric:
		switch {
		case t.NumericPrecision != nil && t.NumericScale != nil:
			return fmt.Sprintf("numeric(%d,%d)", *t.NumericPrecision, *t.NumericScale)
		case t.NumericPrecision != nil:
			return fmt.Sprintf("numeric(%d)", *t.NumericPrecision)
		default:
			return "numeric"
		}
	case schema.KindEnumRef:
		return "enum:" + t.EnumName
	case schema.KindArray:
		if t.ArrayElem != nil {
			return typeSignature(*t.ArrayElem) + "[]"
		}
		return "array"
	case schema.KindOther:
		return "other:" + t.Raw
	default:
		return t.Kind.String()
	}
}

func columnSimilarity(live, declared schema.Column) float64 {
	typeEq := 0.0
	if live.Type.Equal(declared.Type) {
		typeEq = 1.0
	}
	nameSim := strutil.NameSimilarity(live.Name, declared.Name)
	return 0.5*typeEq + 0.5*nameSim
}

func diffTable(liveSchema, declaredSchema *schema.Schema, live, declared *schema.Table, name string) change.ChangeSet {
	var cs change.ChangeSet

	liveColNames := live.ColumnNames()
	declColNames := declared.ColumnNames()
	liveColSet := toSet(liveColNames)
	declColSet := toSet(declColNames)

	var removedCols, addedCols, existingCols []string
	for _, c := range liveColNames {
		if declColSet[c] {
			existingCols = append(existingCols, c)
		} else {
			removedCols = append(removedCols, c)
		}
	}
	for _, c := range declColNames {
		if !liveColSet[c] {
			addedCols = append(addedCols, c)
		}
	}

	colMatches, unmatchedRemovedCols, unmatchedAddedCols := bipartiteMatch(removedCols, addedCols, func(r, a string) float64 {
		lc, _ := live.Column(r)
		dc, _ := declared.Column(a)
		return columnSimilarity(*lc, *dc)
	})

	type colPair struct {
		liveName string
		declared *schema.Column
	}
	var colPairs []colPair

	for _, m := range colMatches {
		cs = append(cs, &change.RenameColumn{Table: name, From: m.removed, To: m.added})
		dc, _ := declared.Column(m.added)
		colPairs = append(colPairs, colPair{liveName: m.removed, declared: dc})
	}

	sort.Strings(unmatchedAddedCols)
	for _, c := range unmatchedAddedCols {
		dc, _ := declared.Column(c)
		cs = append(cs, &change.AddColumn{Table: name, Column: dc.Clone()})
	}

	sort.Strings(unmatchedRemovedCols)
	for _, c := range unmatchedRemovedCols {
		cs = append(cs, &change.DropColumn{Table: name, Column: c})
	}

	for _, c := range existingCols {
		dc, _ := declared.Column(c)
		colPairs = append(colPairs, colPair{liveName: c, declared: dc})
	}

	sort.Slice(colPairs, func(i, j int) bool { return colPairs[i].declared.Name < colPairs[j].declared.Name })

	for _, cp := range colPairs {
		lc, _ := live.Column(cp.liveName)
		dc := cp.declared

		if !lc.Type.Equal(dc.Type) {
			cs = append(cs, &change.AlterColumnType{
				Table: name, Column: dc.Name,
				From: lc.Type.Clone(), To: dc.Type.Clone(),
			})
		}
		if lc.Nullable != dc.Nullable {
			cs = append(cs, &change.AlterColumnNullability{
				Table: name, Column: dc.Name, Nullable: dc.Nullable,
			})
		}
		if !defaultsEqual(lc.Default, dc.Default) {
			cs = append(cs, &change.AlterColumnDefault{
				Table: name, Column: dc.Name, Default: clonePtr(dc.Default),
			})
		}
	}

	cs = append(cs, diffUniqueConstraints(live, declared, name)...)
	cs = append(cs, diffForeignKeys(liveSchema, declaredSchema, live, declared, name)...)
	cs = append(cs, diffIndexes(live, declared, name)...)
	cs = append(cs, diffPrimaryKey(live, declared, name)...)

	return cs
}

func defaultsEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return strings.TrimSpace(*a) == strings.TrimSpace(*b)
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func sortedJoin(cols []string) string {
	c := append([]string(nil), cols...)
	sort.Strings(c)
	return strings.Join(c, ",")
}

func diffUniqueConstraints(live, declared *schema.Table, name string) change.ChangeSet {
	var cs change.ChangeSet

	matchedLive := make(map[int]bool)
	matchedDecl := make(map[int]bool)

	for li, lu := range live.UniqueConstraints {
		if lu.Name == "" {
			continue
		}
		for di, du := range declared.UniqueConstraints {
			if matchedDecl[di] || du.Name != lu.Name {
				continue
			}
			matchedLive[li] = true
			matchedDecl[di] = true
			break
		}
	}

	for li, lu := range live.UniqueConstraints {
		if matchedLive[li] || lu.Name != "" {
			continue
		}
		sig := sortedJoin(lu.Columns)
		for di, du := range declared.UniqueConstraints {
			if matchedDecl[di] || du.Name != "" {
				continue
			}
			if sortedJoin(du.Columns) == sig {
				matchedLive[li] = true
				matchedDecl[di] = true
				break
			}
		}
	}

	var dropNames []string
	for li, lu := range live.UniqueConstraints {
		if !matchedLive[li] {
			dropNames = append(dropNames, lu.Name)
		}
	}
	sort.Strings(dropNames)
	for _, n := range dropNames {
		cs = append(cs, &change.DropUnique{Table: name, Name: n})
	}

	type addedUnique struct {
		name string
		cols []string
	}
	var toAdd []addedUnique
	for di, du := range declared.UniqueConstraints {
		if !matchedDecl[di] {
			toAdd = append(toAdd, addedUnique{du.Name, du.Columns})
		}
	}
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i].name < toAdd[j].name })
	for _, a := range toAdd {
		cs = append(cs, &change.AddUnique{Table: name, Name: a.name, Columns: append([]string(nil), a.cols...)})
	}

	return cs
}

func diffForeignKeys(liveSchema, declaredSchema *schema.Schema, live, declared *schema.Table, name string) change.ChangeSet {
	var cs change.ChangeSet

	matchedLive := make(map[int]bool)
	matchedDecl := make(map[int]bool)
	matchedPair := make(map[int]int)

	for li, lf := range live.ForeignKeys {
		if lf.Name == "" {
			continue
		}
		for di, df := range declared.ForeignKeys {
			if matchedDecl[di] || df.Name != lf.Name {
				continue
			}
			matchedLive[li] = true
			matchedDecl[di] = true
			matchedPair[li] = di
			break
		}
	}

	fkSig := func(f schema.ForeignKey) string {
		return strings.Join(f.LocalColumns, ",") + ">" + f.RefTable + ">" + strings.Join(f.RefColumns, ",")
	}

	for li, lf := range live.ForeignKeys {
		if matchedLive[li] || lf.Name != "" {
			continue
		}
		sig := fkSig(lf)
		for di, df := range declared.ForeignKeys {
			if matchedDecl[di] || df.Name != "" {
				continue
			}
			if fkSig(df) == sig {
				matchedLive[li] = true
				matchedDecl[di] = true
				matchedPair[li] = di
				break
			}
		}
	}

	// A matched FK whose endpoint columns changed type underneath it
	// (e.g. a retyped primary key with a dependent foreign key, §8) is
	// not actually unchanged: Postgres needs it dropped and recreated
	// around the retype, so treat it as unmatched here and let the
	// drop/add loops below pick it up.
	for li, di := range matchedPair {
		if fkEndpointRetyped(liveSchema, declaredSchema, live, declared, live.ForeignKeys[li], declared.ForeignKeys[di]) {
			matchedLive[li] = false
			matchedDecl[di] = false
		}
	}

	var dropNames []string
	for li, lf := range live.ForeignKeys {
		if !matchedLive[li] {
			dropNames = append(dropNames, lf.Name)
		}
	}
	sort.Strings(dropNames)
	for _, n := range dropNames {
		cs = append(cs, &change.DropForeignKey{Table: name, Name: n})
	}

	var toAdd []schema.ForeignKey
	for di, df := range declared.ForeignKeys {
		if !matchedDecl[di] {
			toAdd = append(toAdd, df)
		}
	}
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i].Name < toAdd[j].Name })
	for _, fk := range toAdd {
		cs = append(cs, &change.AddForeignKey{Table: name, FK: fk})
	}

	return cs
}

// fkEndpointRetyped reports whether any local or referenced column type
// backing lf/df changed between the live and declared schemas, meaning
// the constraint needs to be dropped and recreated rather than left
// alone even though it matched by name or column signature.
func fkEndpointRetyped(liveSchema, declaredSchema *schema.Schema, live, declared *schema.Table, lf, df schema.ForeignKey) bool {
	if columnTypesDiffer(live, declared, lf.LocalColumns, df.LocalColumns) {
		return true
	}

	liveRef, ok := liveSchema.Table(lf.RefTable)
	if !ok {
		return false
	}
	declRef, ok := declaredSchema.Table(df.RefTable)
	if !ok {
		return false
	}
	return columnTypesDiffer(liveRef, declRef, lf.RefColumns, df.RefColumns)
}

func columnTypesDiffer(live, declared *schema.Table, liveCols, declCols []string) bool {
	n := len(liveCols)
	if len(declCols) < n {
		n = len(declCols)
	}
	for i := 0; i < n; i++ {
		lc, ok := live.Column(liveCols[i])
		if !ok {
			continue
		}
		dc, ok := declared.Column(declCols[i])
		if !ok {
			continue
		}
		if !lc.Type.Equal(dc.Type) {
			return true
		}
	}
	return false
}

func diffIndexes(live, declared *schema.Table, name string) change.ChangeSet {
	var cs change.ChangeSet

	matchedLive := make(map[int]bool)
	matchedDecl := make(map[int]bool)

	for li, lidx := range live.Indexes {
		if lidx.Name == "" {
			continue
		}
		for di, didx := range declared.Indexes {
			if matchedDecl[di] || didx.Name != lidx.Name {
				continue
			}
			matchedLive[li] = true
			matchedDecl[di] = true
			break
		}
	}

	idxSig := func(idx schema.Index) string {
		return sortedJoin(idx.Columns) + fmt.Sprintf(">%v>%s", idx.Unique, idx.Method)
	}

	for li, lidx := range live.Indexes {
		if matchedLive[li] || lidx.Name != "" {
			continue
		}
		sig := idxSig(lidx)
		for di, didx := range declared.Indexes {
			if matchedDecl[di] || didx.Name != "" {
				continue
			}
			if idxSig(didx) == sig {
				matchedLive[li] = true
				matchedDecl[di] = true
				break
			}
		}
	}

	var dropNames []string
	for li, lidx := range live.Indexes {
		if !matchedLive[li] {
			dropNames = append(dropNames, lidx.Name)
		}
	}
	sort.Strings(dropNames)
	for _, n := range dropNames {
		cs = append(cs, &change.DropIndex{Table: name, Name: n})
	}

	var toAdd []schema.Index
	for di, didx := range declared.Indexes {
		if !matchedDecl[di] {
			toAdd = append(toAdd, didx)
		}
	}
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i].Name < toAdd[j].Name })
	for _, idx := range toAdd {
		cs = append(cs, &change.AddIndex{Table: name, Index: idx})
	}

	return cs
}

func diffPrimaryKey(live, declared *schema.Table, name string) change.ChangeSet {
	var cs change.ChangeSet

	switch {
	case live.PrimaryKey == nil && declared.PrimaryKey != nil:
		cs = append(cs, &change.AddPrimaryKey{Table: name, Columns: append([]string(nil), declared.PrimaryKey...)})
	case live.PrimaryKey != nil && declared.PrimaryKey == nil:
		cs = append(cs, &change.DropPrimaryKey{Table: name})
	case live.PrimaryKey != nil && declared.PrimaryKey != nil:
		if sortedJoin(live.PrimaryKey) != sortedJoin(declared.PrimaryKey) {
			cs = append(cs, &change.DropPrimaryKey{Table: name})
			cs = append(cs, &change.AddPrimaryKey{Table: name, Columns: append([]string(nil), declared.PrimaryKey...)})
		}
	}

	return cs
}
