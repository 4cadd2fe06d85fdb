package appointment

import (
	"errors"
	"fmt"
	"strings"
)

// Columns a partial update is allowed to write.
const (
	ColStatus    = "estado"
	ColDate      = "fecha_cita"
	ColSlot      = "disponibilidad_id"
	ColNotes     = "notas_monitor"
	colUpdatedAt = "updated_at"
)

var updatable = map[string]bool{
	ColStatus:    true,
	ColDate:      true,
	ColSlot:      true,
	ColNotes:     true,
	colUpdatedAt: true,
}

var errEmptyUpdate = errors.New("update has no fields")

// assignment is one "column = value" pair of an update. Now marks a column
// set to the database clock instead of a bound value.
type assignment struct {
	Column string
	Value  any
	Now    bool
}

// Update accumulates the fields present in a partial update. Values are
// always bound as parameters; column names come from a fixed allow-list.
type Update struct {
	sets []assignment
	err  error
}

func NewUpdate() *Update {
	return &Update{}
}

func (u *Update) Set(column string, value any) *Update {
	return u.add(assignment{Column: column, Value: value})
}

// Touch stamps updated_at with now().
func (u *Update) Touch() *Update {
	return u.add(assignment{Column: colUpdatedAt, Now: true})
}

func (u *Update) add(a assignment) *Update {
	if !updatable[a.Column] {
		if u.err == nil {
			u.err = fmt.Errorf("column %q is not updatable", a.Column)
		}
		return u
	}
	for i := range u.sets {
		if u.sets[i].Column == a.Column {
			u.sets[i] = a
			return u
		}
	}
	u.sets = append(u.sets, a)
	return u
}

// Len counts the assignments that carry a value.
func (u *Update) Len() int {
	n := 0
	for _, a := range u.sets {
		if !a.Now {
			n++
		}
	}
	return n
}

// Build renders "UPDATE table SET ... WHERE ...". The where clause is
// required so an update can never touch the whole table.
func (u *Update) Build(table string, where *Where) (string, []any, error) {
	if u.err != nil {
		return "", nil, u.err
	}
	if u.Len() == 0 {
		return "", nil, errEmptyUpdate
	}
	if where == nil || len(where.conds) == 0 {
		return "", nil, errors.New("update requires a where clause")
	}

	var (
		sets []string
		args []any
	)
	for _, a := range u.sets {
		if a.Now {
			sets = append(sets, a.Column+" = now()")
			continue
		}
		args = append(args, a.Value)
		sets = append(sets, fmt.Sprintf("%s = $%d", a.Column, len(args)))
	}

	clause, whereArgs := where.render(len(args))
	args = append(args, whereArgs...)

	return fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), clause), args, nil
}

// Where collects AND-ed conditions. Each "?" in a condition is replaced by the
// next positional placeholder at render time.
type Where struct {
	conds []string
	args  []any
}

func NewWhere() *Where {
	return &Where{}
}

func (w *Where) Eq(column string, value any) *Where {
	return w.Cond(column+" = ?", value)
}

// Any matches column against a slice parameter.
func (w *Where) Any(column string, values any) *Where {
	return w.Cond(column+" = ANY(?)", values)
}

func (w *Where) Cond(cond string, args ...any) *Where {
	if strings.Count(cond, "?") != len(args) {
		panic(fmt.Sprintf("where: %q expects %d args, got %d", cond, strings.Count(cond, "?"), len(args)))
	}
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
	return w
}

// SQL renders the clause with placeholders starting at $1.
func (w *Where) SQL() (string, []any) {
	return w.render(0)
}

func (w *Where) render(offset int) (string, []any) {
	if len(w.conds) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString(" WHERE ")
	n := offset
	for i, c := range w.conds {
		if i > 0 {
			b.WriteString(" AND ")
		}
		for _, r := range c {
			if r == '?' {
				n++
				fmt.Fprintf(&b, "$%d", n)
				continue
			}
			b.WriteRune(r)
		}
	}
	return b.String(), append([]any(nil), w.args...)
}
