package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/arloliu/go-fabric/logger"
)

// RecvHandler processes one inbound short message. The engine invokes it
// from the progress path for every delivered message, in per-endpoint FIFO
// order. data is backed by mailbox memory and is only valid for the duration
// of the call; implementations that keep the payload must copy it.
type RecvHandler func(ep *Endpoint, tag uint8, data []byte)

// Config represents the configuration parameters for a Transport.
type Config struct {
	mu sync.RWMutex

	// fragInitial, fragMax and fragIncrement size the fragment free list.
	// Defaults to 8, 16384, 64.
	fragInitial   int
	fragMax       int
	fragIncrement int

	// eagerInitial, eagerMax and eagerIncrement size the registered eager
	// buffer free list used to stage transfers from unregistered memory.
	// Defaults to 16, 128, 16.
	eagerInitial   int
	eagerMax       int
	eagerIncrement int

	// smsgCredits is the number of in-flight short messages one mailbox
	// grants its peer. Defaults to 32.
	smsgCredits int

	// smsgLimit is the mailbox message size ceiling, header included. Zero
	// selects the ceiling automatically from peerCount. Values above the
	// hardware ceiling are clamped, not rejected.
	// Defaults to 0 (automatic).
	smsgLimit int

	// fmaLimit is the largest transfer routed through the fast memory access
	// engine; longer transfers use the bulk engine. Values above the hardware
	// ceiling are clamped, not rejected. Defaults to 1024.
	fmaLimit int

	// getLimit is the largest single get the engine accepts. Defaults to 1MiB.
	getLimit int

	// eagerLimit is the largest send payload. Defaults to 8192.
	eagerLimit int

	// rdmaMaxRetries bounds reposts of a recoverably failed transaction.
	// Defaults to 16.
	rdmaMaxRetries int

	// smsgMaxRetries bounds reissues of a recoverably failed short message.
	// Defaults to 16.
	smsgMaxRetries int

	// localCQDepth is the depth of the outbound completion queues.
	// Defaults to 8192.
	localCQDepth int

	// remoteCQDepth is the depth of the inbound notification queue.
	// Defaults to 40000.
	remoteCQDepth int

	// maxMemReg bounds the engine's memory registrations per device.
	// Zero derives the bound from the hardware budget, -1 disables the bound.
	// Defaults to 0 (automatic).
	maxMemReg int

	// peerCount is the expected number of peers, feeding the automatic
	// short-message limit selection. Defaults to 0.
	peerCount int

	// recvHandler receives inbound short messages. When nil, inbound
	// messages are drained and dropped.
	recvHandler RecvHandler

	// progressInterval enables the background progress task when positive.
	// Defaults to 0 (disabled).
	progressInterval time.Duration

	// progressCPU pins the background progress task to a CPU core when
	// non-negative. Defaults to -1 (no pinning).
	progressCPU int

	// logger provides a logger instance for engine events and errors.
	logger logger.Logger
}

// NewConfig creates a new transport configuration with optional functional
// options.
//
// It initializes a Config struct with default values and then applies the
// provided options to customize the configuration.
//
// Returns a pointer to the initialized Config and an error if any option
// validation failed.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		fragInitial:    8,
		fragMax:        16384,
		fragIncrement:  64,
		eagerInitial:   16,
		eagerMax:       128,
		eagerIncrement: 16,
		smsgCredits:    32,
		smsgLimit:      0,
		fmaLimit:       1024,
		getLimit:       1 << 20,
		eagerLimit:     8192,
		rdmaMaxRetries: 16,
		smsgMaxRetries: 16,
		localCQDepth:   8192,
		remoteCQDepth:  40000,
		maxMemReg:      0,
		peerCount:      0,
		progressCPU:    -1,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Logger returns the configured logger instance.
func (cfg *Config) Logger() logger.Logger {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.logger
}

// Option represents a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc struct {
	name      string
	runtime   bool
	applyFunc func(*Config) error
}

func (o *optFunc) apply(cfg *Config) error { return o.applyFunc(cfg) }

func newOptFunc(name string, runtime bool, f func(*Config) error) *optFunc {
	return &optFunc{
		name:      name,
		runtime:   runtime,
		applyFunc: f,
	}
}

// WithFreeListSizes sets the initial size, maximum size and growth increment
// of the fragment free list.
// It returns an Option that validates the sizes and updates the configuration.
// An error is returned if initial is negative, max is below initial,
// increment is not positive, or the configuration is nil.
//
// The default values are 8, 16384 and 64.
//
// This option can't be changed at runtime.
func WithFreeListSizes(initial, maxSize, increment int) Option {
	return newOptFunc("WithFreeListSizes", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if initial < 0 || maxSize < initial || increment <= 0 {
			return errors.New("invalid free list sizes")
		}
		cfg.fragInitial = initial
		cfg.fragMax = maxSize
		cfg.fragIncrement = increment

		return nil
	})
}

// WithEagerListSizes sets the initial size, maximum size and growth increment
// of the registered eager buffer free list.
// It returns an Option that validates the sizes and updates the configuration.
// An error is returned if initial is negative, max is below initial,
// increment is not positive, or the configuration is nil.
//
// The default values are 16, 128 and 16.
//
// This option can't be changed at runtime.
func WithEagerListSizes(initial, maxSize, increment int) Option {
	return newOptFunc("WithEagerListSizes", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if initial < 0 || maxSize < initial || increment <= 0 {
			return errors.New("invalid eager list sizes")
		}
		cfg.eagerInitial = initial
		cfg.eagerMax = maxSize
		cfg.eagerIncrement = increment

		return nil
	})
}

// WithSmsgCredits sets the number of in-flight short messages one mailbox
// grants its peer.
// It returns an Option that validates the credit count and updates the
// configuration.
// An error is returned if the count is not positive or the configuration is
// nil.
//
// The default value is 32.
//
// This option can't be changed at runtime.
func WithSmsgCredits(n int) Option {
	return newOptFunc("WithSmsgCredits", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if n <= 0 {
			return errors.New("short-message credits must be positive")
		}
		cfg.smsgCredits = n

		return nil
	})
}

// WithSmsgLimit sets the mailbox message size ceiling, header included.
// Zero selects the ceiling automatically from the configured peer count.
// Values above the hardware ceiling of 16384 are clamped when the device's
// thresholds are computed, not rejected here.
// An error is returned if the limit is negative or the configuration is nil.
//
// The default value is 0 (automatic).
//
// This option can't be changed at runtime.
func WithSmsgLimit(n int) Option {
	return newOptFunc("WithSmsgLimit", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if n < 0 {
			return errors.New("short-message limit must not be negative")
		}
		cfg.smsgLimit = n

		return nil
	})
}

// WithFMALimit sets the largest transfer routed through the fast memory
// access engine; longer transfers use the bulk engine. Values above the
// hardware ceiling of 65536 are clamped when the device's thresholds are
// computed, not rejected here.
// An error is returned if the limit is negative or the configuration is nil.
//
// The default value is 1024.
//
// This option can't be changed at runtime.
func WithFMALimit(n int) Option {
	return newOptFunc("WithFMALimit", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if n < 0 {
			return errors.New("fma limit must not be negative")
		}
		cfg.fmaLimit = n

		return nil
	})
}

// WithGetLimit sets the largest single get the engine accepts; larger
// transfers must be pipelined by the caller.
// An error is returned if the limit is not positive or the configuration is
// nil.
//
// The default value is 1048576 (1MiB).
//
// This option can't be changed at runtime.
func WithGetLimit(n int) Option {
	return newOptFunc("WithGetLimit", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if n <= 0 {
			return errors.New("get limit must be positive")
		}
		cfg.getLimit = n

		return nil
	})
}

// WithEagerLimit sets the largest send payload.
// An error is returned if the limit is not positive or the configuration is
// nil.
//
// The default value is 8192.
//
// This option can't be changed at runtime.
func WithEagerLimit(n int) Option {
	return newOptFunc("WithEagerLimit", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if n <= 0 {
			return errors.New("eager limit must be positive")
		}
		cfg.eagerLimit = n

		return nil
	})
}

// WithRdmaMaxRetries sets how many times a recoverably failed transaction is
// reposted before the failure becomes permanent. Zero makes the first
// failure permanent.
// An error is returned if the count is negative or the configuration is nil.
//
// The default value is 16.
//
// This option can't be changed at runtime.
func WithRdmaMaxRetries(n int) Option {
	return newOptFunc("WithRdmaMaxRetries", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if n < 0 {
			return errors.New("rdma max retries must not be negative")
		}
		cfg.rdmaMaxRetries = n

		return nil
	})
}

// WithSmsgMaxRetries sets how many times a recoverably failed short message
// is reissued before the failure becomes permanent. Zero makes the first
// failure permanent.
// An error is returned if the count is negative or the configuration is nil.
//
// The default value is 16.
//
// This option can't be changed at runtime.
func WithSmsgMaxRetries(n int) Option {
	return newOptFunc("WithSmsgMaxRetries", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if n < 0 {
			return errors.New("short-message max retries must not be negative")
		}
		cfg.smsgMaxRetries = n

		return nil
	})
}

// WithLocalCQDepth sets the depth of the outbound completion queues.
// An error is returned if the depth is not positive or the configuration is
// nil.
//
// The default value is 8192.
//
// This option can't be changed at runtime.
func WithLocalCQDepth(n int) Option {
	return newOptFunc("WithLocalCQDepth", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if n <= 0 {
			return errors.New("local cq depth must be positive")
		}
		cfg.localCQDepth = n

		return nil
	})
}

// WithRemoteCQDepth sets the depth of the inbound notification queue.
// An error is returned if the depth is not positive or the configuration is
// nil.
//
// The default value is 40000.
//
// This option can't be changed at runtime.
func WithRemoteCQDepth(n int) Option {
	return newOptFunc("WithRemoteCQDepth", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if n <= 0 {
			return errors.New("remote cq depth must be positive")
		}
		cfg.remoteCQDepth = n

		return nil
	})
}

// WithMaxMemoryRegistrations bounds the engine's memory registrations per
// device. Zero derives the bound from the hardware budget, -1 disables the
// bound.
// An error is returned if the value is below -1 or the configuration is nil.
//
// The default value is 0 (automatic).
//
// This option can't be changed at runtime.
func WithMaxMemoryRegistrations(n int) Option {
	return newOptFunc("WithMaxMemoryRegistrations", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if n < -1 {
			return errors.New("max memory registrations must be -1, 0 or positive")
		}
		cfg.maxMemReg = n

		return nil
	})
}

// WithPeerCount sets the expected number of peers, which feeds the automatic
// short-message limit selection: more peers select a smaller mailbox message
// ceiling so the per-peer mailbox memory stays bounded.
// An error is returned if the count is negative or the configuration is nil.
//
// The default value is 0.
//
// This option can't be changed at runtime.
func WithPeerCount(n int) Option {
	return newOptFunc("WithPeerCount", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if n < 0 {
			return errors.New("peer count must not be negative")
		}
		cfg.peerCount = n

		return nil
	})
}

// WithRecvHandler sets the handler invoked for every delivered inbound short
// message. Without a handler, inbound messages are drained and dropped.
// An error is returned if the handler is nil or the configuration is nil.
//
// The default is no handler.
//
// This option can't be changed at runtime.
func WithRecvHandler(fn RecvHandler) Option {
	return newOptFunc("WithRecvHandler", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if fn == nil {
			return errors.New("recv handler is nil")
		}

		cfg.recvHandler = fn

		return nil
	})
}

// WithBackgroundProgress enables the background progress task, which drives
// Progress at the given interval so completions advance without an
// application progress loop.
// An error is returned if the interval is not positive or the configuration
// is nil.
//
// The default is disabled.
//
// This option can't be changed at runtime.
func WithBackgroundProgress(interval time.Duration) Option {
	return newOptFunc("WithBackgroundProgress", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if interval <= 0 {
			return errors.New("progress interval must be positive")
		}
		cfg.progressInterval = interval

		return nil
	})
}

// WithProgressCPU pins the background progress task to the given CPU core.
// It has no effect unless WithBackgroundProgress is also set.
// An error is returned if the core is negative or the configuration is nil.
//
// The default value is -1 (no pinning).
//
// This option can't be changed at runtime.
func WithProgressCPU(core int) Option {
	return newOptFunc("WithProgressCPU", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if core < 0 {
			return errors.New("progress cpu must not be negative")
		}
		cfg.progressCPU = core

		return nil
	})
}

// WithLogger sets the logger for the transport.
// It returns an Option that updates the configuration with the provided
// logger.
// An error is returned if the logger is nil or the configuration is nil.
//
// The default logger is the global logger instance.
//
// This option can't be changed at runtime.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", false, func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if l == nil {
			return errors.New("logger is nil")
		}

		cfg.logger = l

		return nil
	})
}
