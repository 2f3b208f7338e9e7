package transport

import (
	"fmt"

	"github.com/arloliu/go-fabric/nic"
)

const (
	// smsgLimitCeiling is the hardware ceiling on the mailbox message size.
	smsgLimitCeiling = 16384
	// fmaLimitCeiling is the hardware ceiling on fast memory access
	// transaction length.
	fmaLimitCeiling = 65536
	// smsgHeaderLen is the per-message mailbox overhead the hardware protocol
	// reserves, so the usable payload is the message ceiling minus this.
	smsgHeaderLen = 32
	// mailboxAlign is the alignment the hardware requires of mailbox backing
	// memory.
	mailboxAlign = 64
	// reservedRegistrations is the engine's own registration overhead held
	// back when the registration bound is derived from the hardware budget.
	reservedRegistrations = 3
)

// Thresholds holds the per-device protocol selection limits, computed once
// at device creation and immutable afterwards.
type Thresholds struct {
	// SmsgLimit is the effective mailbox message ceiling, header included.
	SmsgLimit uint32
	// SmsgMaxData is the usable payload per mailbox message.
	SmsgMaxData uint32
	// SmsgCredits is the number of in-flight messages one mailbox grants.
	SmsgCredits uint32
	// EagerLimit is the largest send payload the engine accepts.
	EagerLimit uint32
	// PipelineSendLength is the per-step length upper layers use when
	// pipelining sends; it tracks the eager limit.
	PipelineSendLength uint32
	// FmaLimit is the largest get or put routed through the fast memory
	// access engine.
	FmaLimit uint32
	// GetLimit is the largest single get the engine accepts.
	GetLimit uint64
	// MailboxSize is the aligned backing memory one mailbox needs.
	MailboxSize int
	// MaxMemReg is the resolved registration bound; zero means unbounded.
	MaxMemReg int
	// RdmaMaxRetries bounds reposts of a recoverably failed transaction.
	RdmaMaxRetries uint32
	// SmsgMaxRetries bounds reissues of a recoverably failed short message.
	SmsgMaxRetries uint32
}

// computeThresholds resolves the configured limits against one device.
// A sizing-query failure here is fatal to that device's creation.
//
// The eager limit is lowered to the usable mailbox payload only when the
// short-message limit equals the eager limit at this point, so an operator
// who customized the eager limit keeps their value.
func computeThresholds(cfg *Config, dev nic.Device) (Thresholds, error) {
	smsgLimit := cfg.smsgLimit
	if smsgLimit > smsgLimitCeiling {
		smsgLimit = smsgLimitCeiling
	}
	if smsgLimit == 0 {
		smsgLimit = autoSelectSmsgLimit(cfg.peerCount)
	}

	smsgMaxData := smsgLimit - smsgHeaderLen
	if smsgMaxData <= 0 {
		return Thresholds{}, fmt.Errorf("transport: short-message limit %d leaves no payload", smsgLimit)
	}

	eagerLimit := cfg.eagerLimit
	if smsgLimit == eagerLimit {
		eagerLimit = smsgMaxData
	}

	fmaLimit := cfg.fmaLimit
	if fmaLimit > fmaLimitCeiling {
		fmaLimit = fmaLimitCeiling
	}

	attr := nic.MailboxAttr{
		MaxCredit:  uint32(cfg.smsgCredits),
		MsgMaxSize: uint32(smsgLimit),
	}
	needed, err := dev.MailboxSizeNeeded(attr)
	if err != nil {
		return Thresholds{}, fmt.Errorf("transport: mailbox sizing query failed: %w", err)
	}

	maxMemReg := cfg.maxMemReg
	switch {
	case maxMemReg == -1:
		maxMemReg = 0
	case maxMemReg == 0:
		maxMemReg = dev.MaxRegistrations() - reservedRegistrations
		if maxMemReg < 1 {
			maxMemReg = 1
		}
	}

	return Thresholds{
		SmsgLimit:          uint32(smsgLimit),
		SmsgMaxData:        uint32(smsgMaxData),
		SmsgCredits:        uint32(cfg.smsgCredits),
		EagerLimit:         uint32(eagerLimit),
		PipelineSendLength: uint32(eagerLimit),
		FmaLimit:           uint32(fmaLimit),
		GetLimit:           uint64(cfg.getLimit),
		MailboxSize:        alignUp(needed, mailboxAlign),
		MaxMemReg:          maxMemReg,
		RdmaMaxRetries:     uint32(cfg.rdmaMaxRetries),
		SmsgMaxRetries:     uint32(cfg.smsgMaxRetries),
	}, nil
}

// autoSelectSmsgLimit picks the mailbox message ceiling from the expected
// peer count: each connected peer holds a mailbox of credits times this
// ceiling, so larger jobs get smaller messages.
func autoSelectSmsgLimit(peers int) int {
	switch {
	case peers <= 512:
		return 8192
	case peers <= 1024:
		return 2048
	case peers <= 8192:
		return 1024
	case peers <= 16384:
		return 512
	default:
		return 256
	}
}

// postKind selects the transaction engine for a get or put of the given
// length.
func (t *Thresholds) postKind(kind FragmentKind, length uint32) nic.PostKind {
	fma := length <= t.FmaLimit
	if kind == GetFragment {
		if fma {
			return nic.PostFMAGet
		}
		return nic.PostRdmaGet
	}
	if fma {
		return nic.PostFMAPut
	}
	return nic.PostRdmaPut
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
