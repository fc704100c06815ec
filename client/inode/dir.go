package inode

// Dir is the resident child table of a directory inode. It exists only
// while its parent inode has named children resident (invariant 2: a Dir
// is resident iff non-empty; the last unlink inside it must close it).
type Dir struct {
	// Parent is the inode this Dir belongs to. A Dir is uniquely owned by
	// its parent Inode.
	Parent *Inode

	// Dentries maps child name to the Dentry linking to it. Dentry is
	// owned by its Dir (this map is that ownership).
	Dentries map[string]*Dentry
}

func newDir(parent *Inode) *Dir {
	return &Dir{
		Parent:   parent,
		Dentries: make(map[string]*Dentry),
	}
}

// IsEmpty reports whether the Dir has no remaining children — the
// precondition for CloseDir.
func (d *Dir) IsEmpty() bool {
	return len(d.Dentries) == 0
}
