// ABOUTME: Write-set type shared by the reconciliation processor and the event store
// ABOUTME: A write-set is applied to local storage as one all-or-nothing unit
package models

// WriteSet is the create/update/delete batch produced by diffing pulled events
// against local state.
type WriteSet struct {
	Creates []*CompassEvent
	Updates []*CompassEvent
	Deletes []*CompassEvent
}

// Empty reports whether the write-set carries no writes.
func (w WriteSet) Empty() bool {
	return len(w.Creates) == 0 && len(w.Updates) == 0 && len(w.Deletes) == 0
}

// Len returns the total number of writes.
func (w WriteSet) Len() int {
	return len(w.Creates) + len(w.Updates) + len(w.Deletes)
}
