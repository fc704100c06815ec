package inode

// Resolve walks components against the graph starting from root, never
// blocking and never contacting the MDS. On a full hit it
// returns the terminal Dentry and ok=true. On a partial miss it returns the
// deepest resolved Dentry (nil if nothing resolved, i.e. root itself is the
// deepest point) and the unresolved tail of components.
//
// A hit promotes the terminal dentry (and every dentry walked through) to
// the top of the LRU, per the "successful lookup promotes to top" policy.
func Resolve(g *Graph, root *Inode, components []string) (hit *Dentry, tail []string, ok bool) {
	cur := root
	for i, name := range components {
		if cur.Dir == nil {
			return hit, components[i:], false
		}

		d, found := g.Lookup(cur.Dir, name)
		if !found {
			return hit, components[i:], false
		}

		g.Touch(d)
		hit = d
		cur = d.Inode
	}

	return hit, nil, true
}
