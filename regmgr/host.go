package regmgr

// Host is the set of collaborators a DBI framework must supply for regmgr
// to mediate register usage inside one thread's code cache. regmgr never
// allocates raw TLS, iterates instruction lists, or registers its own event
// callbacks -- all of that is the host's job; regmgr only decides what to
// spill, when, and where.
type Host interface {
	// RawSlots returns the thread-local scratch-slot provider regmgr should
	// delegate to for any direct slot beyond its own reserved range.
	RawSlots() DRSlotProvider

	// RegisterBBEvent asks the host to call fn for every basic block before
	// it is placed into the code cache, in priority order (lower priority
	// values run first so this core's own pre/post instrumentation can
	// wrap a client's).
	RegisterBBEvent(priority int, fn BBEventFunc)

	// RegisterFaultEvent asks the host to call fn whenever a fault occurs
	// inside code this core instrumented, so the fault can be rewritten
	// before the app's own handler sees it.
	RegisterFaultEvent(fn FaultEventFunc)
}

// BBEventFunc observes (and may request changes to) the instructions of one
// basic block prior to its placement in the code cache.
type BBEventFunc func(block []HostInstr) BBProperty

// FaultEventFunc is invoked with the fragment that faulted and the byte
// offset of the faulting instruction; it returns true if the fault was
// inside mediated code and has been handled.
type FaultEventFunc func(frag []FragmentInstr, faultPCOffset int) bool
