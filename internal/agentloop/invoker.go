package agentloop

// RecordingInvoker is an EntryInvoker used by tests and the host-side
// simulator: it records the last handoff it was asked to perform instead of
// jumping to it.
type RecordingInvoker struct {
	EntryVA uint32
	MBIAddr uint32
	Invoked bool
}

// Invoke records the requested entry point and MBI address.
func (r *RecordingInvoker) Invoke(entryVA, mbiAddr uint32) {
	r.EntryVA = entryVA
	r.MBIAddr = mbiAddr
	r.Invoked = true
}
