// Package extension starts and stops the long lived parts of a cable process
// (broker, server, listeners) in a fixed order.
package extension

import (
	"context"
	"errors"
)

// Extension is a component with a start/stop lifecycle.
type Extension interface {
	// Name identifies the extension in the manager and in logs.
	Name() string
	// Load starts the extension. It must not block beyond startup.
	Load(ctx context.Context) error
	// Shutdown releases everything Load acquired.
	Shutdown(ctx context.Context) error
}

var (
	ErrAlreadyRegistered = errors.New("extension: name already registered")
	ErrNotFound          = errors.New("extension: not found")
	ErrOrderMismatch     = errors.New("extension: load order does not name every registered extension")
	ErrOrderDuplicate    = errors.New("extension: duplicate name in load order")
)

// Func adapts a pair of functions to Extension. Either function may be nil.
type Func struct {
	ExtName    string
	OnLoad     func(ctx context.Context) error
	OnShutdown func(ctx context.Context) error
}

func (f *Func) Name() string { return f.ExtName }

func (f *Func) Load(ctx context.Context) error {
	if f.OnLoad == nil {
		return nil
	}
	return f.OnLoad(ctx)
}

func (f *Func) Shutdown(ctx context.Context) error {
	if f.OnShutdown == nil {
		return nil
	}
	return f.OnShutdown(ctx)
}
