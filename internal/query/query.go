// Package query evaluates commit queries. A query is a tree of Expr values
// built by the caller (there is no text syntax); evaluation walks the
// commit index lazily and yields ids newest first unless asked otherwise.
package query

import (
	"fmt"
	"strings"

	"github.com/systemshift/oplog/internal/dag"
)

// Expr is a node of a query tree.
type Expr interface {
	fmt.Stringer
	expr()
}

// Commit matches a single commit.
type Commit struct{ ID dag.ID }

// Heads matches the visible heads of the view.
type Heads struct{}

// All matches every commit reachable from the visible heads.
type All struct{}

// Branch matches the targets of a branch (several if it is conflicted).
type Branch struct{ Name string }

// WorkingCopy matches the commit a working copy has checked out.
type WorkingCopy struct{ Name string }

// Roots matches the members of Of that have no other member as an ancestor.
// A nil Of means All.
type Roots struct{ Of Expr }

// Union matches commits in any of Exprs.
type Union struct{ Exprs []Expr }

// Intersection matches commits in both Left and Right.
type Intersection struct{ Left, Right Expr }

// Difference matches commits in Left but not in Right.
type Difference struct{ Left, Right Expr }

// Ancestors matches Of and every ancestor of it.
type Ancestors struct{ Of Expr }

// Descendants matches Of and every visible descendant of it.
type Descendants struct{ Of Expr }

// Parents matches the parents of the members of Of.
type Parents struct{ Of Expr }

// Range is From..To: ancestors of To that are not ancestors of From.
type Range struct{ From, To Expr }

// DagRange is From::To: descendants of From that are ancestors of To.
type DagRange struct{ From, To Expr }

// Order is the order results are yielded in.
type Order int

const (
	// ReverseTopological yields descendants before their ancestors.
	ReverseTopological Order = iota
	// Topological yields ancestors before their descendants.
	Topological
)

func (o Order) String() string {
	if o == Topological {
		return "topological"
	}
	return "reverse-topological"
}

// Ordered evaluates Expr and yields it in Order. Only the outermost Ordered
// of a tree has an effect.
type Ordered struct {
	Expr  Expr
	Order Order
}

func (Commit) expr()       {}
func (Heads) expr()        {}
func (All) expr()          {}
func (Branch) expr()       {}
func (WorkingCopy) expr()  {}
func (Roots) expr()        {}
func (Union) expr()        {}
func (Intersection) expr() {}
func (Difference) expr()   {}
func (Ancestors) expr()    {}
func (Descendants) expr()  {}
func (Parents) expr()      {}
func (Range) expr()        {}
func (DagRange) expr()     {}
func (Ordered) expr()      {}

func (x Commit) String() string      { return dag.Short(x.ID) }
func (Heads) String() string         { return "heads()" }
func (All) String() string           { return "all()" }
func (x Branch) String() string      { return "branch(" + x.Name + ")" }
func (x WorkingCopy) String() string { return "working_copy(" + x.Name + ")" }

func (x Roots) String() string {
	if x.Of == nil {
		return "roots()"
	}
	return "roots(" + x.Of.String() + ")"
}

func (x Union) String() string {
	parts := make([]string, len(x.Exprs))
	for i, e := range x.Exprs {
		parts[i] = e.String()
	}
	return "(" + strings.Join(parts, " | ") + ")"
}

func (x Intersection) String() string { return "(" + x.Left.String() + " & " + x.Right.String() + ")" }
func (x Difference) String() string   { return "(" + x.Left.String() + " ~ " + x.Right.String() + ")" }
func (x Ancestors) String() string    { return "::" + x.Of.String() }
func (x Descendants) String() string  { return x.Of.String() + "::" }
func (x Parents) String() string      { return x.Of.String() + "-" }
func (x Range) String() string        { return x.From.String() + ".." + x.To.String() }
func (x DagRange) String() string     { return x.From.String() + "::" + x.To.String() }
func (x Ordered) String() string      { return x.Order.String() + "(" + x.Expr.String() + ")" }
