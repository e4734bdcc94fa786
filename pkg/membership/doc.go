// Package membership tracks who is in a group. Remote members are learned
// from their periodic announcements and pruned by a miss counter that the
// owning group advances once per announce cycle:
//
//	Announced -> Active -> Stale -> Removed
//
// A member that misses MissThreshold consecutive cycles is removed; an
// explicit leave removes it at once. Local members (the ones this process
// joined with) are listed too but never pruned.
package membership
