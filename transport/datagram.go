package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/arloliu/go-fabric/nic"
)

// Datagram identifiers. The wildcard slot accepts connection requests from
// any peer and uses the reserved zero identifier; directed exchanges tag the
// identifier with the peer's instance so a completion maps straight back to
// its endpoint.
const (
	wildcardDatagramID  nic.DatagramID = 0
	directedDatagramBit nic.DatagramID = 1 << 63
)

func directedDatagramID(instID uint32) nic.DatagramID {
	return directedDatagramBit | nic.DatagramID(instID)
}

func datagramInstID(id nic.DatagramID) uint32 {
	return uint32(id & 0xffffffff)
}

// connAttrLen is the wire size of the mailbox attribute payload carried by
// connection datagrams: credit count, message size, the two memory handle
// qwords and the mailbox offset.
const connAttrLen = 28

func encodeConnAttrs(attr nic.MailboxAttr) []byte {
	buf := make([]byte, connAttrLen)
	binary.BigEndian.PutUint32(buf[0:4], attr.MaxCredit)
	binary.BigEndian.PutUint32(buf[4:8], attr.MsgMaxSize)
	binary.BigEndian.PutUint64(buf[8:16], attr.Handle.Qword1)
	binary.BigEndian.PutUint64(buf[16:24], attr.Handle.Qword2)
	binary.BigEndian.PutUint32(buf[24:28], attr.Offset)

	return buf
}

func decodeConnAttrs(data []byte) (nic.MailboxAttr, error) {
	if len(data) != connAttrLen {
		return nic.MailboxAttr{}, fmt.Errorf("%w: attribute payload length %d", ErrDatagramFailure, len(data))
	}

	return nic.MailboxAttr{
		MaxCredit:  binary.BigEndian.Uint32(data[0:4]),
		MsgMaxSize: binary.BigEndian.Uint32(data[4:8]),
		Handle: nic.MemHandle{
			Qword1: binary.BigEndian.Uint64(data[8:16]),
			Qword2: binary.BigEndian.Uint64(data[16:24]),
		},
		Offset: binary.BigEndian.Uint32(data[24:28]),
	}, nil
}

// progressDatagram polls the datagram engine once and dispatches at most one
// completed exchange.
func (d *Device) progressDatagram() int {
	id, ok, err := d.nic.ProbeDatagram()
	if err != nil {
		d.log.Error("datagram probe failed", "error", err)
		return 0
	}
	if !ok {
		return 0
	}

	if id == wildcardDatagramID {
		return d.handleWildcard()
	}

	return d.handleDirected(id)
}

// handleWildcard accepts a connection request from a previously unknown
// peer. The wildcard slot is re-armed no matter how the dispatch turns out;
// an empty slot would silently stop the device from accepting connections.
func (d *Device) handleWildcard() int {
	defer d.repostWildcard()

	// The probed completion is consumed whether or not the wait succeeds,
	// so the pass counts it either way.
	state, peer, payload, err := d.wildcardEP.WaitDatagram(wildcardDatagramID)
	if err != nil {
		d.log.Error("wildcard datagram wait failed", "error", err)
		return 1
	}
	if state != nic.PostCompleted {
		d.log.Error("wildcard datagram finished without completing", "post_state", state)
		return 1
	}
	d.metrics.incDatagramCount()

	attrs, err := decodeConnAttrs(payload)
	if err != nil {
		d.log.Error("malformed connection datagram", "peer", peer.ID, "error", err)
		return 1
	}

	ep := d.Endpoint(peer)
	switch state := ep.State(); {
	case state.IsConnected(), state.IsFailed():
		d.log.Debug("connection datagram ignored", "peer", peer.ID, "state", state)
	default:
		ep.storeRemote(attrs)
		ep.ensureConnecting()
		ep.tryFinishConnect()
	}

	return 1
}

// handleDirected finishes a handshake this device initiated. An empty
// payload means the datagram matched the peer's wildcard slot; the peer's
// directed reply will carry its attributes.
func (d *Device) handleDirected(id nic.DatagramID) int {
	instID := datagramInstID(id)
	ep, ok := d.endpoints.Load(instID)
	if !ok {
		d.log.Error("directed datagram for unknown endpoint", "inst_id", instID)
		return 0
	}

	ep.mu.Lock()
	smsgEP := ep.smsgEP
	ep.dgramOut = false
	ep.mu.Unlock()
	if smsgEP == nil {
		d.log.Error("directed datagram before endpoint setup", "inst_id", instID)
		return 0
	}

	state, _, payload, err := smsgEP.WaitDatagram(id)
	if err != nil {
		ep.fail(fmt.Errorf("%w: wait: %w", ErrDatagramFailure, err))
		return 1
	}
	if state != nic.PostCompleted {
		ep.fail(fmt.Errorf("%w: post state %s", ErrDatagramFailure, state))
		return 1
	}
	d.metrics.incDatagramCount()

	if len(payload) == 0 {
		return 1
	}

	attrs, err := decodeConnAttrs(payload)
	if err != nil {
		ep.fail(err)
		return 1
	}
	ep.storeRemote(attrs)
	ep.tryFinishConnect()

	return 1
}

// repostWildcard re-arms the wildcard slot after a dispatch consumed it.
func (d *Device) repostWildcard() {
	if d.closed.Load() {
		return
	}
	if err := d.wildcardEP.PostDatagram(wildcardDatagramID, nil); err != nil {
		d.log.Error("wildcard datagram repost failed", "error", err)
	}
}
