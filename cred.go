package lwp

import (
	"sync/atomic"
)

// Cred is a reference counted set of credentials. Credentials are shared by
// reference between a process and its LWPs, never copied.
type Cred struct {
	uid        uint32
	refs       atomic.Int32
	privileged bool
}

// NewCred returns credentials with one reference. Privileged credentials
// may exceed the per-user thread limit.
func NewCred(uid uint32, privileged bool) *Cred {
	c := &Cred{uid: uid, privileged: privileged}
	c.refs.Store(1)
	return c
}

// UID returns the user id.
func (c *Cred) UID() uint32 {
	return c.uid
}

// Privileged reports whether the credentials may bypass resource limits.
func (c *Cred) Privileged() bool {
	return c.privileged
}

// Hold adds a reference and returns c.
func (c *Cred) Hold() *Cred {
	if c.refs.Add(1) <= 1 {
		panic(`lwp: hold of released cred`)
	}
	return c
}

// Free drops a reference.
func (c *Cred) Free() {
	if c.refs.Add(-1) < 0 {
		panic(`lwp: cred reference count underflow`)
	}
}

// Refs returns the number of references.
func (c *Cred) Refs() int {
	return int(c.refs.Load())
}

// FileTable stands in for a descriptor table shared by the LWPs of a
// process. The reference count tracks the LWPs using it.
type FileTable struct {
	refs atomic.Int32
}

// NewFileTable returns a table with one reference, for the first LWP.
func NewFileTable() *FileTable {
	f := new(FileTable)
	f.refs.Store(1)
	return f
}

func (f *FileTable) hold() {
	f.refs.Add(1)
}

func (f *FileTable) free() {
	if f.refs.Add(-1) < 0 {
		panic(`lwp: file table reference count underflow`)
	}
}

// Refs returns the number of references.
func (f *FileTable) Refs() int {
	return int(f.refs.Load())
}

// SetCred replaces the process credentials with a reference to c. LWPs
// pick up the change at their next user return, or by calling
// [Kernel.UpdateCreds].
func (k *Kernel) SetCred(p *Process, c *Cred) {
	c.Hold()
	p.mu.Lock()
	old := p.cred
	p.cred = c
	for l := range p.LWPs() {
		l.credStale.Store(true)
	}
	p.mu.Unlock()
	if old != nil {
		old.Free()
	}
}

// UpdateCreds refreshes the credentials cached by l from its process. It is
// called by l itself.
func (k *Kernel) UpdateCreds(l *LWP) {
	p := l.proc
	p.mu.Lock()
	old := l.cred
	l.cred = p.cred.Hold()
	l.credStale.Store(false)
	p.mu.Unlock()
	if old != nil {
		old.Free()
	}
}
