// Copyright 2026 The aeimsLib Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package protocol

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// HandlerFactory creates a fresh, unconnected handler.
type HandlerFactory func() (Handler, error)

// DeviceMatcher reports whether a protocol can drive the described device.
type DeviceMatcher func(info DeviceInfo) bool

// Registration describes one protocol implementation.
type Registration struct {
	ID           string
	Name         string
	Version      string
	Capabilities *Capabilities
	Factory      HandlerFactory
	// Matcher is optional; registrations without one are only found by ID
	// or as the default.
	Matcher DeviceMatcher
	Default bool
}

// Registry is the catalog of available protocols. One registry is built at
// startup and handed to every component that needs it.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	entries   map[string]Registration
	defaultID string
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]Registration),
		logger:  logger.With(zap.String("component", "registry")),
	}
}

// Register adds a protocol. IDs are unique and at most one registration may
// be the default.
func (r *Registry) Register(reg Registration) error {
	if err := validateRegistration(reg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[reg.ID]; exists {
		return NewError(KindDuplicateProtocol, "register", fmt.Errorf("protocol %q already registered", reg.ID))
	}
	if reg.Default && r.defaultID != "" {
		return NewError(KindValidationFailed, "register",
			fmt.Errorf("protocol %q cannot be default, %q already is", reg.ID, r.defaultID))
	}

	caps := reg.Capabilities.clone()
	reg.Capabilities = &caps
	r.entries[reg.ID] = reg
	r.order = append(r.order, reg.ID)
	if reg.Default {
		r.defaultID = reg.ID
	}

	r.logger.Info("Protocol registered",
		zap.String("id", reg.ID),
		zap.String("name", reg.Name),
		zap.String("version", reg.Version),
		zap.Bool("default", reg.Default),
	)
	return nil
}

func validateRegistration(reg Registration) error {
	var err error
	switch {
	case reg.ID == "":
		err = fmt.Errorf("protocol id is required")
	case reg.Capabilities == nil:
		err = fmt.Errorf("protocol %q: capabilities are required", reg.ID)
	case reg.Capabilities.MaxPacketSize <= 0:
		err = fmt.Errorf("protocol %q: max packet size '%v' must be positive", reg.ID, reg.Capabilities.MaxPacketSize)
	case reg.Capabilities.MaxBatchSize <= 0:
		err = fmt.Errorf("protocol %q: max batch size '%v' must be positive", reg.ID, reg.Capabilities.MaxBatchSize)
	case reg.Factory == nil:
		err = fmt.Errorf("protocol %q: handler factory is required", reg.ID)
	}
	if err != nil {
		return NewError(KindValidationFailed, "register", err)
	}
	return nil
}

// detached returns a copy whose capabilities do not alias the stored ones.
func (reg Registration) detached() Registration {
	if reg.Capabilities != nil {
		caps := reg.Capabilities.clone()
		reg.Capabilities = &caps
	}
	return reg
}

// Unregister removes a protocol.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		return NewError(KindValidationFailed, "unregister", fmt.Errorf("unknown protocol %q", id))
	}
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.defaultID == id {
		r.defaultID = ""
	}
	r.logger.Info("Protocol unregistered", zap.String("id", id))
	return nil
}

// Lookup returns the registration for id.
func (r *Registry) Lookup(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[id]
	return reg.detached(), ok
}

// List returns all registrations in registration order.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].detached())
	}
	return out
}

// Default returns the default registration, if any.
func (r *Registry) Default() (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultID == "" {
		return Registration{}, false
	}
	return r.entries[r.defaultID].detached(), true
}

// SetDefault makes id the default protocol, replacing a previous default.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.entries[id]
	if !ok {
		return NewError(KindValidationFailed, "set default", fmt.Errorf("unknown protocol %q", id))
	}
	if prev, ok := r.entries[r.defaultID]; ok {
		prev.Default = false
		r.entries[r.defaultID] = prev
	}
	reg.Default = true
	r.entries[id] = reg
	r.defaultID = id
	return nil
}

// FindForDevice returns the first registration, in registration order, whose
// matcher accepts info. The default is used when none does.
func (r *Registry) FindForDevice(info DeviceInfo) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		reg := r.entries[id]
		if reg.Matcher != nil && reg.Matcher(info) {
			return reg.detached(), nil
		}
	}
	if r.defaultID != "" {
		r.logger.Debug("No protocol matched device, using default",
			zap.String("device_id", info.ID),
			zap.String("default", r.defaultID),
		)
		return r.entries[r.defaultID].detached(), nil
	}
	return Registration{}, ErrNoProtocol
}

// CreateHandler instantiates a new handler for protocol id.
func (r *Registry) CreateHandler(id string) (Handler, error) {
	reg, ok := r.Lookup(id)
	if !ok {
		return nil, NewError(KindValidationFailed, "create handler", fmt.Errorf("unknown protocol %q", id))
	}
	h, err := reg.Factory()
	if err != nil {
		return nil, fmt.Errorf("protocol %q: %w", id, err)
	}
	return h, nil
}

// CreateHandlerForDevice finds the protocol for info and instantiates it.
func (r *Registry) CreateHandlerForDevice(info DeviceInfo) (Handler, Registration, error) {
	reg, err := r.FindForDevice(info)
	if err != nil {
		return nil, Registration{}, err
	}
	h, err := r.CreateHandler(reg.ID)
	if err != nil {
		return nil, Registration{}, err
	}
	return h, reg, nil
}

// Close drops every registration.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]Registration)
	r.order = nil
	r.defaultID = ""
	return nil
}
