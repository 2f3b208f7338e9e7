// Package nic defines the hardware capability surface the transport engine
// drives: a network interface device with completion queues, bound peer
// endpoints, out-of-band connection datagrams, short-message mailboxes and
// one-sided FMA/RDMA transactions.
//
// The package contains plain types and interfaces only. It holds no policy:
// retry budgets, thresholds, back-pressure and connection state all live in
// the transport package. Production deployments implement these interfaces
// over the vendor's NIC library; the nicsim package provides a deterministic
// in-memory implementation for tests and examples.
//
// Conventions:
//   - Methods never block, with one exception: Endpoint.WaitDatagram performs
//     the hardware's bounded wait and is only ever called with a datagram ID
//     that a Device.ProbeDatagram call has already reported complete.
//   - Resource back-pressure (no mailbox credits, full hardware queues) is
//     reported as ErrBusy, never by blocking.
//   - Completion queues deliver CQEvent values; the Status carried by an
//     event tells the caller whether a failed transaction may be reissued.
package nic
