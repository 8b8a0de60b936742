//go:build !linux

package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pipetrace/agent/internal/metrics"
)

// ErrNoBPFObject mirrors the linux build's sentinel so callers can branch on
// it uniformly.
var ErrNoBPFObject = errors.New("ingest: kernel bridge requires linux")

// KernelBridge is a stub on non-linux platforms: Start always fails and the
// agent runs on the /proc poller alone (where a procfs exists) or not at
// all.
type KernelBridge struct {
	events   chan ProcessRaw
	stopOnce sync.Once
}

// NewKernelBridge returns the stub bridge.
func NewKernelBridge(_ *slog.Logger, _ *metrics.Set) *KernelBridge {
	return &KernelBridge{events: make(chan ProcessRaw)}
}

// SetBPFObject is accepted and ignored on non-linux platforms.
func (k *KernelBridge) SetBPFObject([]byte) {}

// Start always returns an error on non-linux platforms.
func (k *KernelBridge) Start(context.Context) error {
	return ErrNoBPFObject
}

// Stop closes the (never written) events channel. Idempotent.
func (k *KernelBridge) Stop() {
	k.stopOnce.Do(func() { close(k.events) })
}

// Events returns a channel that never delivers.
func (k *KernelBridge) Events() <-chan ProcessRaw {
	return k.events
}
