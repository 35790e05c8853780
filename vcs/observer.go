package vcs

// Observer is notified after each successful Store mutation, in mutation
// order, outside the store lock. Implementations must not block for long:
// they run on the goroutine that performed the mutation.
type Observer interface {
	// OnRevisionsInserted receives the inserted revisions parent-first.
	OnRevisionsInserted(revisions []Revision)

	// OnPayloadCompleted is called when a shallow revision receives its payload.
	OnPayloadCompleted(id string, payload []byte)

	// OnHeadChanged is called when the head moves to a different revision.
	OnHeadChanged(id string)
}
