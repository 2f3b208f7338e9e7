package transport

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// fileListSizes mirrors a free-list size triple in an operator parameter
// file.
type fileListSizes struct {
	Initial   int `toml:"initial"`
	Max       int `toml:"max"`
	Increment int `toml:"increment"`
}

// fileConfig mirrors the operator-settable knobs in a TOML parameter file.
// Pointer fields distinguish an absent key from an explicit zero.
type fileConfig struct {
	FreeList  *fileListSizes `toml:"free_list"`
	EagerList *fileListSizes `toml:"eager_list"`

	SmsgCredits    *int `toml:"smsg_credits"`
	SmsgLimit      *int `toml:"smsg_limit"`
	FmaLimit       *int `toml:"fma_limit"`
	GetLimit       *int `toml:"get_limit"`
	EagerLimit     *int `toml:"eager_limit"`
	RdmaMaxRetries *int `toml:"rdma_max_retries"`
	SmsgMaxRetries *int `toml:"smsg_max_retries"`
	LocalCQDepth   *int `toml:"local_cq_depth"`
	RemoteCQDepth  *int `toml:"remote_cq_depth"`
	MaxMemReg      *int `toml:"max_mem_registrations"`
	PeerCount      *int `toml:"peer_count"`
}

// LoadOptions parses an operator parameter file in TOML format and returns
// the corresponding options for NewConfig. Only keys present in the file
// produce options, so file settings layer over the defaults and under any
// options appended after them. Unknown keys are an error.
func LoadOptions(path string) ([]Option, error) {
	var fc fileConfig

	meta, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("transport: parse config %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("transport: unknown config keys in %s: %v", path, undecoded)
	}

	var opts []Option

	if fc.FreeList != nil {
		opts = append(opts, WithFreeListSizes(fc.FreeList.Initial, fc.FreeList.Max, fc.FreeList.Increment))
	}
	if fc.EagerList != nil {
		opts = append(opts, WithEagerListSizes(fc.EagerList.Initial, fc.EagerList.Max, fc.EagerList.Increment))
	}
	if fc.SmsgCredits != nil {
		opts = append(opts, WithSmsgCredits(*fc.SmsgCredits))
	}
	if fc.SmsgLimit != nil {
		opts = append(opts, WithSmsgLimit(*fc.SmsgLimit))
	}
	if fc.FmaLimit != nil {
		opts = append(opts, WithFMALimit(*fc.FmaLimit))
	}
	if fc.GetLimit != nil {
		opts = append(opts, WithGetLimit(*fc.GetLimit))
	}
	if fc.EagerLimit != nil {
		opts = append(opts, WithEagerLimit(*fc.EagerLimit))
	}
	if fc.RdmaMaxRetries != nil {
		opts = append(opts, WithRdmaMaxRetries(*fc.RdmaMaxRetries))
	}
	if fc.SmsgMaxRetries != nil {
		opts = append(opts, WithSmsgMaxRetries(*fc.SmsgMaxRetries))
	}
	if fc.LocalCQDepth != nil {
		opts = append(opts, WithLocalCQDepth(*fc.LocalCQDepth))
	}
	if fc.RemoteCQDepth != nil {
		opts = append(opts, WithRemoteCQDepth(*fc.RemoteCQDepth))
	}
	if fc.MaxMemReg != nil {
		opts = append(opts, WithMaxMemoryRegistrations(*fc.MaxMemReg))
	}
	if fc.PeerCount != nil {
		opts = append(opts, WithPeerCount(*fc.PeerCount))
	}

	return opts, nil
}
