// Package transport provides a byte-transport engine for message-passing
// runtimes built on fabric interconnects with mailbox and RDMA capability.
// Each network interface is driven by a Device that owns the interface's
// completion queues, per-peer endpoints and buffer pools; a Transport
// bundles the devices behind one progress and shutdown surface.
//
// Key Features:
//   - Endpoint Management: Connects to peers on first use through an
//     out-of-band datagram handshake and tracks each endpoint's state.
//   - Short Messages: Delivers tagged payloads through per-peer mailboxes
//     with credit-based flow control and bounded automatic retry.
//   - Memory Transfers: Issues one-sided get and put transactions, picking
//     the fast or bulk hardware engine by length and staging unregistered
//     buffers through pooled registered memory.
//   - Non-Blocking Progress: Advances all connection, send and transaction
//     state machines in short polling passes that never block.
//   - Backpressure: Parks work that cannot issue on wait lists and replays
//     it as credits, hardware slots and buffers free up.
//   - Customization: Offers configuration options for pool sizes, message
//     and transfer limits, retry caps and queue depths, with a TOML file
//     loader.
//
// Setup:
//   - Create a Config with NewConfig and the desired options.
//   - Call New with the configuration and one or more nic.Device
//     interfaces; each becomes an engine Device.
//   - Either set WithBackgroundProgress to poll from a managed task, or
//     call Transport.Progress from the application's own loop.
//
// Sending:
//   - Look up the peer's endpoint with Device.Endpoint.
//   - Take a Fragment from Device.AcquireFragment, fill in the payload or
//     transfer window, and hand it to Endpoint.Send, Get or Put.
//   - Completion is reported exactly once through the fragment's Callback
//     and Done channel, including after transparent retries.
//
// Receiving:
//   - Register a handler with WithRecvHandler; it is invoked from the
//     progress pass for every inbound short message.
//
// Shutdown:
//   - Call Transport.Close. Outstanding work completes with
//     ErrTransportClosed and the interfaces are closed.
//
// Usage Example:
//
//	func main() {
//	    // ...
//	    cfg, err := transport.NewConfig(
//	        transport.WithSmsgCredits(64),
//	        transport.WithRecvHandler(func(ep *transport.Endpoint, tag uint8, data []byte) {
//	            // ... consume the message; data is only valid during the call ...
//	        }),
//	        transport.WithBackgroundProgress(50*time.Microsecond),
//	    )
//	    // ... handle error ...
//
//	    t, err := transport.New(ctx, cfg, device)
//	    // ... handle error ...
//	    defer t.Close()
//
//	    dev := t.Devices()[0]
//	    ep := dev.Endpoint(peer)
//
//	    frag, err := dev.AcquireFragment()
//	    // ... handle error ...
//	    frag.Tag = 1
//	    frag.Data = payload
//	    done := frag.Done()
//	    err = ep.Send(frag)
//	    // ... handle error ...
//	    if err := <-done; err != nil {
//	        // ... the send failed after retries ...
//	    }
//	}
package transport
