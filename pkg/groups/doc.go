// Package groups is the group-communication engine. An Engine owns a set of
// transports and the registry of groups joined through it. Each JoinGroup
// returns a GroupMember, the handle applications use to send messages to
// every current member of the group and to receive theirs.
//
// Delivery is at-least-once with acknowledgements: a send waits until every
// member that was in the group when the send started has acknowledged the
// whole message, resending to the members still outstanding once per
// resend timeout. After the configured number of resend rounds the send
// fails with a *DeliveryError naming the members that never acknowledged.
// Members that leave or time out while a send is in flight stop being waited
// for. Receivers deduplicate, so a resent message is acknowledged again but
// handed to listeners only once.
//
// Goroutines per engine: one receiver loop per receiving transport, and per
// group an announce loop (liveness + pruning) and a NetTime loop. Each
// GroupMember adds a delivery goroutine, which runs listeners, and a resend
// goroutine, which drives the send state machine.
package groups
