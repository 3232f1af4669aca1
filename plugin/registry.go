package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists for efficient dispatch
	onInit                 []OnInit
	onShutdown             []OnShutdown
	onSubscriptionCreated  []OnSubscriptionCreated
	onStatusChanged        []OnStatusChanged
	onSubscriptionCanceled []OnSubscriptionCanceled
	onSubscriptionExpired  []OnSubscriptionExpired
	onTrialConverted       []OnTrialConverted
	onPaymentSucceeded     []OnPaymentSucceeded
	onPaymentFailed        []OnPaymentFailed
	onRefundIssued         []OnRefundIssued
	onRetryScheduled       []OnRetryScheduled
	onRetriesExhausted     []OnRetriesExhausted
	onGraceStarted         []OnGraceStarted
	onSweepCompleted       []OnSweepCompleted
	gateways               []GatewayPlugin
	discountValidators     []DiscountValidator
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnSubscriptionCreated); ok {
		r.onSubscriptionCreated = append(r.onSubscriptionCreated, v)
	}
	if v, ok := p.(OnStatusChanged); ok {
		r.onStatusChanged = append(r.onStatusChanged, v)
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
	}
	if v, ok := p.(OnSubscriptionExpired); ok {
		r.onSubscriptionExpired = append(r.onSubscriptionExpired, v)
	}
	if v, ok := p.(OnTrialConverted); ok {
		r.onTrialConverted = append(r.onTrialConverted, v)
	}
	if v, ok := p.(OnPaymentSucceeded); ok {
		r.onPaymentSucceeded = append(r.onPaymentSucceeded, v)
	}
	if v, ok := p.(OnPaymentFailed); ok {
		r.onPaymentFailed = append(r.onPaymentFailed, v)
	}
	if v, ok := p.(OnRefundIssued); ok {
		r.onRefundIssued = append(r.onRefundIssued, v)
	}
	if v, ok := p.(OnRetryScheduled); ok {
		r.onRetryScheduled = append(r.onRetryScheduled, v)
	}
	if v, ok := p.(OnRetriesExhausted); ok {
		r.onRetriesExhausted = append(r.onRetriesExhausted, v)
	}
	if v, ok := p.(OnGraceStarted); ok {
		r.onGraceStarted = append(r.onGraceStarted, v)
	}
	if v, ok := p.(OnSweepCompleted); ok {
		r.onSweepCompleted = append(r.onSweepCompleted, v)
	}
	if v, ok := p.(GatewayPlugin); ok {
		r.gateways = append(r.gateways, v)
	}
	if v, ok := p.(DiscountValidator); ok {
		r.discountValidators = append(r.discountValidators, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	// Check each interface
	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	// List all interfaces to check
	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnSubscriptionCreated)(nil)).Elem(), "OnSubscriptionCreated")
	checkInterface(reflect.TypeOf((*OnStatusChanged)(nil)).Elem(), "OnStatusChanged")
	checkInterface(reflect.TypeOf((*OnPaymentSucceeded)(nil)).Elem(), "OnPaymentSucceeded")
	checkInterface(reflect.TypeOf((*OnPaymentFailed)(nil)).Elem(), "OnPaymentFailed")
	checkInterface(reflect.TypeOf((*OnRetryScheduled)(nil)).Elem(), "OnRetryScheduled")
	checkInterface(reflect.TypeOf((*OnGraceStarted)(nil)).Elem(), "OnGraceStarted")
	checkInterface(reflect.TypeOf((*GatewayPlugin)(nil)).Elem(), "GatewayPlugin")
	checkInterface(reflect.TypeOf((*DiscountValidator)(nil)).Elem(), "DiscountValidator")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, engine)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionCreated emits a subscription created event.
func (r *Registry) EmitSubscriptionCreated(ctx context.Context, sub interface{}) {
	r.mu.RLock()
	plugins := r.onSubscriptionCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionCreated(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionCreated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitStatusChanged emits a status changed event.
func (r *Registry) EmitStatusChanged(ctx context.Context, sub interface{}, from, to, reason string) {
	r.mu.RLock()
	plugins := r.onStatusChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnStatusChanged(ctx, sub, from, to, reason)
		}); err != nil {
			r.logger.Warn("plugin OnStatusChanged failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionCanceled emits a subscription canceled event.
func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, sub interface{}) {
	r.mu.RLock()
	plugins := r.onSubscriptionCanceled
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionCanceled(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionCanceled failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionExpired emits a subscription expired event.
func (r *Registry) EmitSubscriptionExpired(ctx context.Context, sub interface{}) {
	r.mu.RLock()
	plugins := r.onSubscriptionExpired
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionExpired(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionExpired failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitTrialConverted emits a trial converted event.
func (r *Registry) EmitTrialConverted(ctx context.Context, sub interface{}) {
	r.mu.RLock()
	plugins := r.onTrialConverted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnTrialConverted(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnTrialConverted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitPaymentSucceeded emits a payment succeeded event.
func (r *Registry) EmitPaymentSucceeded(ctx context.Context, pay interface{}) {
	r.mu.RLock()
	plugins := r.onPaymentSucceeded
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPaymentSucceeded(ctx, pay)
		}); err != nil {
			r.logger.Warn("plugin OnPaymentSucceeded failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitPaymentFailed emits a payment failed event.
func (r *Registry) EmitPaymentFailed(ctx context.Context, pay interface{}, category string) {
	r.mu.RLock()
	plugins := r.onPaymentFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPaymentFailed(ctx, pay, category)
		}); err != nil {
			r.logger.Warn("plugin OnPaymentFailed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitRefundIssued emits a refund issued event.
func (r *Registry) EmitRefundIssued(ctx context.Context, pay interface{}, amount interface{}) {
	r.mu.RLock()
	plugins := r.onRefundIssued
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnRefundIssued(ctx, pay, amount)
		}); err != nil {
			r.logger.Warn("plugin OnRefundIssued failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitRetryScheduled emits a retry scheduled event.
func (r *Registry) EmitRetryScheduled(ctx context.Context, sub interface{}, attempt int, at time.Time) {
	r.mu.RLock()
	plugins := r.onRetryScheduled
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnRetryScheduled(ctx, sub, attempt, at)
		}); err != nil {
			r.logger.Warn("plugin OnRetryScheduled failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitRetriesExhausted emits a retries exhausted event.
func (r *Registry) EmitRetriesExhausted(ctx context.Context, sub interface{}) {
	r.mu.RLock()
	plugins := r.onRetriesExhausted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnRetriesExhausted(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnRetriesExhausted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitGraceStarted emits a grace started event.
func (r *Registry) EmitGraceStarted(ctx context.Context, sub interface{}, until time.Time) {
	r.mu.RLock()
	plugins := r.onGraceStarted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnGraceStarted(ctx, sub, until)
		}); err != nil {
			r.logger.Warn("plugin OnGraceStarted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSweepCompleted emits a sweep completed event.
func (r *Registry) EmitSweepCompleted(ctx context.Context, kind string, processed, failed int, elapsed time.Duration) {
	r.mu.RLock()
	plugins := r.onSweepCompleted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSweepCompleted(ctx, kind, processed, failed, elapsed)
		}); err != nil {
			r.logger.Warn("plugin OnSweepCompleted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// GetGateways returns all registered gateway plugins.
func (r *Registry) GetGateways() []GatewayPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]GatewayPlugin, len(r.gateways))
	copy(result, r.gateways)
	return result
}

// GetDiscountValidators returns all registered discount validators.
func (r *Registry) GetDiscountValidators() []DiscountValidator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]DiscountValidator, len(r.discountValidators))
	copy(result, r.discountValidators)
	return result
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the billing pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
