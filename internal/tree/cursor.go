package tree

import (
	"context"

	"vestnet/internal/domain"
	"vestnet/internal/store"
)

// Member is one descendant yielded by a Cursor. Leg is the side of the
// cursor's root the member sits on, not its position under its own parent.
type Member struct {
	UserID domain.UserID `json:"user_id"`
	Depth  int           `json:"depth"`
	Leg    domain.Leg    `json:"leg"`
}

// Cursor walks a downline breadth first, fetching one level at a time only
// when the previous one is exhausted. It is not safe for concurrent use.
//
//	c := dir.Downline(id, 3)
//	for c.Next(ctx) {
//		m := c.Member()
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor struct {
	st       store.Store
	root     domain.UserID
	maxDepth int

	level []Member
	buf   []Member
	cur   Member
	depth int
	done  bool
	err   error
}

// Downline returns a cursor over the descendants of id down to maxDepth
// levels. maxDepth <= 0 walks the whole subtree.
func (d *Directory) Downline(id domain.UserID, maxDepth int) *Cursor {
	c := &Cursor{st: d.st, root: id, maxDepth: maxDepth}
	c.Reset()
	return c
}

// Reset rewinds the cursor to the start. The next walk sees the tree as it
// is then.
func (c *Cursor) Reset() {
	c.level = nil
	c.buf = nil
	c.cur = Member{}
	c.depth = 0
	c.done = false
	c.err = nil
}

func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if len(c.buf) == 0 {
		if c.done || !c.fetch(ctx) {
			return false
		}
	}
	c.cur = c.buf[0]
	c.buf = c.buf[1:]
	return true
}

func (c *Cursor) Member() Member { return c.cur }

func (c *Cursor) Err() error { return c.err }

func (c *Cursor) fetch(ctx context.Context) bool {
	if c.maxDepth > 0 && c.depth >= c.maxDepth {
		c.done = true
		return false
	}
	parents := []domain.UserID{c.root}
	legs := map[domain.UserID]domain.Leg{}
	if c.depth > 0 {
		parents = parents[:0]
		for _, m := range c.level {
			parents = append(parents, m.UserID)
			legs[m.UserID] = m.Leg
		}
	}
	if len(parents) == 0 {
		c.done = true
		return false
	}

	var edges []domain.Edge
	err := c.st.View(ctx, func(tx store.Tx) error {
		var err error
		edges, err = tx.Children(ctx, parents)
		return err
	})
	if err != nil {
		c.err = err
		return false
	}
	slots := indexEdges(edges)
	next := make([]Member, 0, len(edges))
	for _, p := range parents {
		s := slots[p]
		for i, child := range [2]domain.UserID{s.left, s.right} {
			if child == 0 {
				continue
			}
			leg := legs[p]
			if c.depth == 0 {
				leg = domain.LegLeft
				if i == 1 {
					leg = domain.LegRight
				}
			}
			next = append(next, Member{UserID: child, Depth: c.depth + 1, Leg: leg})
		}
	}
	c.depth++
	if len(next) == 0 {
		c.done = true
		return false
	}
	c.level = next
	c.buf = append([]Member(nil), next...)
	return true
}
