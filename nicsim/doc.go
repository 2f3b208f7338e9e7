// Package nicsim provides a deterministic in-memory implementation of the
// nic interfaces for tests and examples.
//
// A Fabric connects any number of simulated devices. Every hardware call
// takes effect synchronously under one fabric-wide lock: datagram matches,
// mailbox deliveries and FMA/RDMA copies happen inside the call that
// triggers them, and their completion events are queued for the next poll.
// Nothing runs in the background, so tests drive the simulator one progress
// call at a time and observe identical results on every run.
//
// Key behaviors mirrored from real hardware:
//   - Connection datagrams match directed-to-directed first, then directed
//     against the target's wildcard slot. A directed datagram arriving while
//     the target has no free slot is buffered by the fabric until one is
//     posted.
//   - Short messages consume a mailbox credit per send and return it when
//     the receiver pops the message; senders see nic.ErrBusy at zero
//     credits.
//   - Completion queues drop events beyond their depth and flag the next
//     delivered event with Overrun.
//
// Fault injection methods on Device let tests script transient and fatal
// transaction statuses, inline completions, rejected post calls and failing
// datagram waits.
package nicsim
