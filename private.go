package lwp

// PrivateSetter is implemented by a [Machine] that keeps the private
// pointer of an LWP in machine state, such as a thread pointer register.
type PrivateSetter interface {
	LWPSetPrivate(l *LWP, ptr uintptr) error
}

// SetPrivate records ptr as the user private (TLS) pointer of l, and
// passes it to the machine if it implements [PrivateSetter]. The pointer
// is recorded even if the machine refuses it. It is cleared when l is
// freed.
func (k *Kernel) SetPrivate(l *LWP, ptr uintptr) error {
	l.private.Store(ptr)
	if ps, ok := k.machine.(PrivateSetter); ok {
		return ps.LWPSetPrivate(l, ptr)
	}
	return nil
}

// Private returns the private pointer of l, see [Kernel.SetPrivate].
func (l *LWP) Private() uintptr {
	return l.private.Load()
}
