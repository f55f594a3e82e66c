// Package mailbox implements the single-slot message channel between the
// validating core and the core that owns protected data.
//
// Each direction is a Mailbox guarded by a HardwareLock. The sender takes
// the lock with a bounded wait, the word is stored by the receiver's
// interrupt handler (OnReceive) which then releases the lock, and polled
// code picks it up with TryTake. Unread words are overwritten, not queued.
//
// Peer answers CmdReadData with the device identifier; Identity is the
// requesting side used by the update loop.
package mailbox
