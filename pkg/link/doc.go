// Package link implements the attach/detach state machine shared by sender
// and receiver links, and the Sender and Receiver built on it.
//
// A link is bound to one engine session and one loop. Every public method
// injects its work into the loop and returns immediately; completion
// callbacks run later on the loop, exactly once.
//
// # State Machine
//
//	DETACHED --Attach--> ATTACHING --opened--> ATTACHED
//	    ^                    |                    |
//	    |<--error/Detach-----+                 Detach
//	    |                                         v
//	    +<-------------closed--------------- DETACHING
//
// ForceDetach jumps from any state straight to DETACHED, aborting the engine
// link without a handshake. Requests that arrive while a transition is in
// flight are queued and replayed, in order, once it settles.
//
// Whenever a link reaches DETACHED, pending sends fail with the cause and
// undisposed deliveries are dropped; settling one of them afterwards fails
// with errs.DeviceMessageLockLost.
package link
