// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package msgloop

import "time"

// loopOptions holds resolved configuration for a Loop/MessageQueue pair.
type loopOptions struct {
	poolCapacity         int
	logger               Logger
	slowDispatchThreshold time.Duration
	slowDeliveryThreshold time.Duration
}

// LoopOption configures construction of a Loop and its MessageQueue.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithPoolCapacity sets the MessagePool free-list capacity (default 50,
// matching Android's own MessagePool default). A value <= 0 disables
// pooling.
func WithPoolCapacity(capacity int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.poolCapacity = capacity
		return nil
	}}
}

// WithLogger sets the diagnostic Logger used by this Loop instead of the
// process-wide default installed via SetStructuredLogger.
func WithLogger(logger Logger) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithSlowDispatchThreshold sets the duration a single Message's Callback
// or dispatch may run before Loop logs a "loop" category warning entry.
// Zero disables the check.
func WithSlowDispatchThreshold(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.slowDispatchThreshold = d
		return nil
	}}
}

// WithSlowDeliveryThreshold sets the duration between a Message's When and
// its actual dispatch time before Loop logs a "loop" category warning
// entry, flagging a backed-up queue. Zero disables the check.
func WithSlowDeliveryThreshold(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.slowDeliveryThreshold = d
		return nil
	}}
}

// resolveLoopOptions applies opts over the documented defaults, skipping
// nil entries.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		poolCapacity: 50,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.logger == nil {
		cfg.logger = getGlobalLogger()
	}
	return cfg, nil
}
