package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ruokun-niu/drasi-server/types"
)

// resultSet is the query's materialised result multiset plus the signature
// map that links each pattern match to the row it currently contributes.
// Multiplicity tracking makes add/remove transitions exact: a row is only
// reported added on 0->1 and deleted on 1->0.
type resultSet struct {
	rows map[string]*rowEntry // canonical row key -> entry
	sigs map[string]sigEntry  // match signature -> contributed row
}

type rowEntry struct {
	row   types.Row
	count int
}

type sigEntry struct {
	rowKey string
	row    types.Row
}

func newResultSet() *resultSet {
	return &resultSet{
		rows: make(map[string]*rowEntry),
		sigs: make(map[string]sigEntry),
	}
}

// rowKey canonicalises a row for multiset identity: sorted keys, JSON-encoded
// values with numeric collapse.
func rowKey(r types.Row) string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(encodeRowValue(r[k]))
	}
	return sb.String()
}

func encodeRowValue(v any) string {
	switch n := v.(type) {
	case int:
		return fmt.Sprintf("n%g", float64(n))
	case int32:
		return fmt.Sprintf("n%g", float64(n))
	case int64:
		return fmt.Sprintf("n%g", float64(n))
	case float32:
		return fmt.Sprintf("n%g", float64(n))
	case float64:
		return fmt.Sprintf("n%g", n)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("x%v", v)
		}
		return string(data)
	}
}

// rowsEqual compares projections under the same canonical encoding.
func rowsEqual(a, b types.Row) bool {
	if len(a) != len(b) {
		return false
	}
	return rowKey(a) == rowKey(b)
}

// delta accumulates the visible row changes of one reconciliation.
type delta struct {
	added   []types.Row
	updated []types.RowUpdate
	deleted []types.Row
}

func (d *delta) empty() bool {
	return len(d.added) == 0 && len(d.updated) == 0 && len(d.deleted) == 0
}

// reconcile applies the before/after match rows of one processed change and
// returns the resulting visible delta.
//
// Transition rules:
//   - a signature appearing with a row whose multiplicity was zero -> added
//   - a signature whose row changed, when the old row drains to zero and the
//     new row rises from zero -> updated (before, after)
//   - a signature disappearing whose row drains to zero -> deleted
//
// An update whose projection is unchanged is suppressed.
func (rs *resultSet) reconcile(before, after map[string]types.Row) delta {
	var d delta

	sigs := make(map[string]struct{}, len(before)+len(after))
	for sig := range before {
		sigs[sig] = struct{}{}
	}
	for sig := range after {
		sigs[sig] = struct{}{}
	}

	// Deterministic order keeps emitted deltas stable across runs.
	ordered := make([]string, 0, len(sigs))
	for sig := range sigs {
		ordered = append(ordered, sig)
	}
	sort.Strings(ordered)

	for _, sig := range ordered {
		oldRow, hadOld := before[sig]
		newRow, hasNew := after[sig]

		switch {
		case hadOld && hasNew:
			if rowsEqual(oldRow, newRow) {
				continue
			}
			dropped := rs.dec(sig, oldRow)
			raised := rs.inc(sig, newRow)
			switch {
			case dropped && raised:
				d.updated = append(d.updated, types.RowUpdate{Before: oldRow, After: newRow})
			case raised:
				d.added = append(d.added, newRow)
			case dropped:
				d.deleted = append(d.deleted, oldRow)
			}
		case hasNew:
			if rs.inc(sig, newRow) {
				d.added = append(d.added, newRow)
			}
		case hadOld:
			if rs.dec(sig, oldRow) {
				d.deleted = append(d.deleted, oldRow)
			}
		}
	}
	return d
}

// inc records a signature's contribution; true when the row rose from zero.
func (rs *resultSet) inc(sig string, row types.Row) bool {
	key := rowKey(row)
	rs.sigs[sig] = sigEntry{rowKey: key, row: row}
	entry, ok := rs.rows[key]
	if !ok {
		rs.rows[key] = &rowEntry{row: row.Clone(), count: 1}
		return true
	}
	entry.count++
	return false
}

// dec removes a signature's contribution; true when the row drained to zero.
func (rs *resultSet) dec(sig string, row types.Row) bool {
	delete(rs.sigs, sig)
	key := rowKey(row)
	entry, ok := rs.rows[key]
	if !ok {
		return false
	}
	entry.count--
	if entry.count <= 0 {
		delete(rs.rows, key)
		return true
	}
	return false
}

// snapshot returns the current multiset as rows, one copy per multiplicity,
// in canonical key order.
func (rs *resultSet) snapshot() []types.Row {
	keys := make([]string, 0, len(rs.rows))
	for k := range rs.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []types.Row
	for _, k := range keys {
		entry := rs.rows[k]
		for i := 0; i < entry.count; i++ {
			out = append(out, entry.row.Clone())
		}
	}
	return out
}

// distinct returns the number of distinct rows.
func (rs *resultSet) distinct() int { return len(rs.rows) }
