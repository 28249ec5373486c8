// Package engine translates logical parameter and control requests into
// the concrete wire calls each device generation understands. It resolves
// logical names through the capability catalogue and the parameter mapping
// table, coerces values to their declared types, and coordinates the
// reboot that some settings need before they apply.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/metrics"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/transport"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

// DeviceStore is the slice of the registry the engine needs: the
// per-device mutex serializing operations, and the write-back hook for
// name and firmware changes observed on the wire. A nil store disables
// write-backs and falls back to engine-local locks.
type DeviceStore interface {
	OperationLock(deviceID string) *sync.Mutex
	Update(deviceID string, mutate func(*model.Device)) (*model.Device, error)
}

// ParameterValue is the result of a logical read.
type ParameterValue struct {
	Name       string                           `json:"name"`
	Value      interface{}                      `json:"value"`
	Source     string                           `json:"source"`
	Descriptor capabilities.ParameterDescriptor `json:"descriptor"`
}

// SetOptions modifies write behavior.
type SetOptions struct {
	// RebootIfNeeded reboots the device after a successful write that
	// requires a restart to take effect.
	RebootIfNeeded bool
}

// SupportedSet lists what the engine can do against one device.
type SupportedSet struct {
	Parameters []string `json:"parameters"`
	Operations []string `json:"operations"`
}

// UpdateStatus is the parsed outcome of a firmware update check.
type UpdateStatus struct {
	HasUpdate      bool   `json:"has_update"`
	CurrentVersion string `json:"current_version,omitempty"`
	NewVersion     string `json:"new_version,omitempty"`
}

const (
	sourceCapability = "capability"
	sourceMapping    = "mapping"
)

// Engine is the generation-abstracting parameter and operation engine.
type Engine struct {
	transport *transport.Client
	catalogue *capabilities.Catalogue
	store     DeviceStore
	recipes   RecipeSet
	metrics   *metrics.Collector
	logger    *logrus.Logger

	rebootGrace        time.Duration
	updatePollInterval time.Duration
	updatePollTimeout  time.Duration

	fallbackMu    sync.Mutex
	fallbackLocks map[string]*sync.Mutex
}

// Option configures the engine.
type Option func(*Engine)

// WithStore wires the registry for per-device locking and write-backs.
func WithStore(store DeviceStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithMetrics attaches the Prometheus collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = collector }
}

// WithRecipes replaces the default verb table.
func WithRecipes(recipes RecipeSet) Option {
	return func(e *Engine) { e.recipes = recipes }
}

// WithRebootGrace changes the bounded wait after a coordinated reboot.
func WithRebootGrace(grace time.Duration) Option {
	return func(e *Engine) { e.rebootGrace = grace }
}

// WithUpdatePoll changes the firmware update polling cadence and ceiling.
func WithUpdatePoll(interval, timeout time.Duration) Option {
	return func(e *Engine) {
		e.updatePollInterval = interval
		e.updatePollTimeout = timeout
	}
}

// New builds an engine on top of the transport and catalogue.
func New(client *transport.Client, catalogue *capabilities.Catalogue, logger *logrus.Logger, opts ...Option) *Engine {
	e := &Engine{
		transport:          client,
		catalogue:          catalogue,
		logger:             logger,
		rebootGrace:        10 * time.Second,
		updatePollInterval: 5 * time.Second,
		updatePollTimeout:  2 * time.Minute,
		fallbackLocks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.recipes == nil {
		e.recipes = DefaultRecipes(catalogue.StaticTypes())
	}
	return e
}

// Recipes exposes the verb table for callers that pre-validate verbs.
func (e *Engine) Recipes() RecipeSet {
	return e.recipes
}

// Get reads a logical parameter from a device.
func (e *Engine) Get(ctx context.Context, device *model.Device, name string) (*ParameterValue, error) {
	start := time.Now()
	value, err := e.get(ctx, device, name)
	e.metrics.RecordOperation("get", err == nil, time.Since(start))
	if err != nil {
		e.metrics.RecordOperationError(string(operrors.KindOf(err)))
	}
	return value, err
}

func (e *Engine) get(ctx context.Context, device *model.Device, name string) (*ParameterValue, error) {
	if err := checkTarget(device); err != nil {
		return nil, err
	}
	unlock := e.lockDevice(device.ID)
	defer unlock()

	desc, canonical, source, err := e.resolveParameter(device, name)
	if err != nil {
		return nil, err
	}
	d, err := dialectFor(device.Generation, e.transport)
	if err != nil {
		return nil, err
	}
	value, err := d.readParameter(ctx, device, desc)
	if err != nil {
		return nil, err
	}
	return &ParameterValue{Name: canonical, Value: value, Source: source, Descriptor: desc}, nil
}

// Set writes a logical parameter. Errors never escape; they are folded
// into the result so fleet accounting sees every device.
func (e *Engine) Set(ctx context.Context, device *model.Device, name string, value interface{}, opts SetOptions) *model.OperationResult {
	result := newResult(device)
	if err := checkTarget(device); err != nil {
		result.Fail(err)
		result.Duration = time.Since(result.AttemptedAt)
		e.recordResult("set", result)
		return result
	}

	unlock := e.lockDevice(device.ID)
	e.setLocked(ctx, device, name, value, opts, result)
	unlock()

	e.recordResult("set", result)
	return result
}

func (e *Engine) setLocked(ctx context.Context, device *model.Device, name string, value interface{}, opts SetOptions, result *model.OperationResult) {
	op := newOperation(e.logger.WithFields(logrus.Fields{
		"device_id": device.ID,
		"parameter": name,
	}))
	defer func() {
		op.to(stateFinalized)
		result.Duration = time.Since(result.AttemptedAt)
	}()

	op.to(stateResolving)
	desc, canonical, _, err := e.resolveParameter(device, name)
	if err != nil {
		failOp(op, result, err)
		return
	}
	if desc.ReadOnly {
		failOp(op, result, operrors.New(operrors.KindUnsupportedParameter, "parameter %q is read-only", canonical))
		return
	}
	coerced, warning, err := coerceWrite(desc, value)
	if err != nil {
		failOp(op, result, err)
		return
	}
	result.Warning = warning

	d, err := dialectFor(device.Generation, e.transport)
	if err != nil {
		failOp(op, result, err)
		return
	}

	op.to(stateDispatching)
	op.to(stateAwaitingResponse)
	outcome, err := d.writeParameter(ctx, device, desc, coerced)
	if err != nil {
		failOp(op, result, err)
		return
	}
	op.to(stateSucceeded)

	result.Success = true
	result.Value = coerced
	result.RequestSummary = outcome.summary
	result.ResponseSummary = summarize(outcome.raw)
	result.RebootRequired = desc.RequiresRestart || outcome.restartRequired

	if canonical == "name" {
		if s, ok := coerced.(string); ok {
			e.writeBack(device, func(d *model.Device) { d.Name = s })
		}
	}

	if result.RebootRequired && opts.RebootIfNeeded {
		op.to(stateMaybeRebooting)
		e.rebootAfterWrite(ctx, d, device, result)
	}
}

// Operate runs a control verb against a device.
func (e *Engine) Operate(ctx context.Context, device *model.Device, verb string, args Args) *model.OperationResult {
	result := newResult(device)
	if err := checkTarget(device); err != nil {
		result.Fail(err)
		result.Duration = time.Since(result.AttemptedAt)
		e.recordResult(verb, result)
		return result
	}

	recipe, ok := e.recipes.Lookup(verb)
	if !ok {
		result.Fail(operrors.New(operrors.KindUnsupportedParameter, "unknown operation %q", verb))
		result.Duration = time.Since(result.AttemptedAt)
		e.recordResult(verb, result)
		return result
	}

	unlock := e.lockDevice(device.ID)
	e.operateLocked(ctx, device, recipe, args, result)
	unlock()

	e.recordResult(verb, result)
	return result
}

func (e *Engine) operateLocked(ctx context.Context, device *model.Device, recipe Recipe, args Args, result *model.OperationResult) {
	op := newOperation(e.logger.WithFields(logrus.Fields{
		"device_id": device.ID,
		"operation": recipe.Verb,
	}))
	defer func() {
		op.to(stateFinalized)
		result.Duration = time.Since(result.AttemptedAt)
	}()

	op.to(stateResolving)
	d, err := dialectFor(device.Generation, e.transport)
	if err != nil {
		failOp(op, result, err)
		return
	}

	op.to(stateDispatching)
	op.to(stateAwaitingResponse)
	outcome, err := d.control(ctx, device, recipe, args)
	if err != nil {
		failOp(op, result, err)
		return
	}
	op.to(stateSucceeded)

	result.Success = true
	result.RequestSummary = outcome.summary
	result.ResponseSummary = summarize(outcome.raw)
	result.RebootRequired = outcome.restartRequired

	switch recipe.Verb {
	case "status":
		if payload, decodeErr := decodePayload(outcome.raw); decodeErr == nil {
			result.Value = normalizeNumbers(payload)
		}
	case "reboot":
		result.Rebooted = true
	case "check_updates":
		info, parseErr := parseUpdateStatus(device, outcome.raw)
		if parseErr != nil {
			failOp(op, result, parseErr)
			return
		}
		result.Value = info
		if info.CurrentVersion != "" && info.CurrentVersion != device.FirmwareVersion {
			e.writeBack(device, func(d *model.Device) { d.FirmwareVersion = info.CurrentVersion })
		}
	case "update_firmware":
		if args.Bool("wait") {
			op.to(stateMaybeRebooting)
			e.waitForUpdate(ctx, d, device, result)
		}
	}
}

// Apply writes several logical parameters on one device under a single
// device lock, coordinating at most one reboot at the end. The aggregate
// result succeeds only when every write succeeded.
func (e *Engine) Apply(ctx context.Context, device *model.Device, params map[string]interface{}, opts SetOptions) *model.OperationResult {
	result := newResult(device)
	if err := checkTarget(device); err != nil {
		result.Fail(err)
		result.Duration = time.Since(result.AttemptedAt)
		e.recordResult("apply", result)
		return result
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	unlock := e.lockDevice(device.ID)
	defer func() {
		unlock()
		e.recordResult("apply", result)
	}()

	outcomes := make(map[string]string, len(names))
	applied := 0
	rebootNeeded := false
	clamped := false
	var firstErr *model.OperationResult

	for _, name := range names {
		sub := newResult(device)
		e.setLocked(ctx, device, name, params[name], SetOptions{}, sub)
		if sub.Success {
			applied++
			outcomes[name] = "ok"
			rebootNeeded = rebootNeeded || sub.RebootRequired
			clamped = clamped || sub.Warning == model.WarningClamped
		} else {
			outcomes[name] = sub.ErrorMessage
			if firstErr == nil {
				firstErr = sub
			}
			if sub.ErrorKind == operrors.KindCancelled {
				break
			}
		}
	}

	result.Duration = time.Since(result.AttemptedAt)
	result.RequestSummary = fmt.Sprintf("apply %d parameters", len(names))
	result.ResponseSummary = fmt.Sprintf("%d/%d parameters applied", applied, len(names))
	result.Value = outcomes
	result.RebootRequired = rebootNeeded
	if clamped {
		result.Warning = model.WarningClamped
	}

	if firstErr != nil {
		result.Success = false
		result.ErrorKind = firstErr.ErrorKind
		result.ErrorMessage = firstErr.ErrorMessage
		return result
	}
	result.Success = true

	if rebootNeeded && opts.RebootIfNeeded && applied > 0 {
		if d, err := dialectFor(device.Generation, e.transport); err == nil {
			e.rebootAfterWrite(ctx, d, device, result)
		}
	}
	return result
}

// Supported lists the logical parameters and control verbs available on a
// device, merging its capability definition with the generation branch of
// the mapping table.
func (e *Engine) Supported(device *model.Device) *SupportedSet {
	set := make(map[string]struct{})
	if def, ok := e.catalogue.Resolve(device); ok {
		for name := range def.Parameters {
			set[name] = struct{}{}
		}
	}
	mappings := e.catalogue.Mappings()
	for _, name := range mappings.Names() {
		if mappings.SupportsGeneration(name, device.Generation) {
			set[name] = struct{}{}
		}
	}

	parameters := make([]string, 0, len(set))
	for name := range set {
		parameters = append(parameters, name)
	}
	sort.Strings(parameters)

	return &SupportedSet{
		Parameters: parameters,
		Operations: e.recipes.VerbsFor(device.Generation),
	}
}

// resolveParameter finds the access descriptor for a logical name: the
// device's capability definition first, then the generation branch of the
// mapping table, else unsupported-parameter.
func (e *Engine) resolveParameter(device *model.Device, name string) (capabilities.ParameterDescriptor, string, string, error) {
	if def, ok := e.catalogue.Resolve(device); ok {
		if desc, exists := def.Parameters[name]; exists {
			return desc, name, sourceCapability, nil
		}
	}
	mappings := e.catalogue.Mappings()
	if desc, ok := mappings.Descriptor(name, device.Generation); ok {
		return desc, mappings.Canonical(name), sourceMapping, nil
	}
	return capabilities.ParameterDescriptor{}, "", "", operrors.New(operrors.KindUnsupportedParameter,
		"parameter %q is not supported on device %s (%s, %s)", name, device.ID, device.DeviceType, device.Generation)
}

// rebootAfterWrite issues the coordinated reboot and waits a bounded
// grace. A reboot failure never invalidates the preceding write; it is
// recorded as a secondary error.
func (e *Engine) rebootAfterWrite(ctx context.Context, d dialect, device *model.Device, result *model.OperationResult) {
	if err := d.reboot(ctx, device); err != nil {
		result.RebootError = err.Error()
		e.logger.WithError(err).WithField("device_id", device.ID).Warn("Post-write reboot failed")
		return
	}
	result.Rebooted = true

	timer := time.NewTimer(e.rebootGrace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		// The reboot was already dispatched; only the wait is abandoned.
	case <-timer.C:
	}
}

// waitForUpdate polls update status until the device reports no pending
// update or the ceiling passes. The device reboots mid-update, so probe
// failures are expected and ignored.
func (e *Engine) waitForUpdate(ctx context.Context, d dialect, device *model.Device, result *model.OperationResult) {
	deadline := time.Now().Add(e.updatePollTimeout)
	ticker := time.NewTicker(e.updatePollInterval)
	defer ticker.Stop()

	check, ok := e.recipes.Lookup("check_updates")
	if !ok {
		return
	}

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			result.RebootError = "update wait cancelled"
			return
		case <-ticker.C:
		}

		outcome, err := d.control(ctx, device, check, nil)
		if err != nil {
			continue
		}
		info, err := parseUpdateStatus(device, outcome.raw)
		if err != nil {
			continue
		}
		if !info.HasUpdate {
			result.Rebooted = true
			result.Value = info
			if info.CurrentVersion != "" {
				e.writeBack(device, func(dev *model.Device) { dev.FirmwareVersion = info.CurrentVersion })
			}
			return
		}
	}
	result.RebootError = fmt.Sprintf("update not confirmed after %s", e.updatePollTimeout)
}

// parseUpdateStatus extracts firmware update availability from a status
// payload. Gen1 reports under update.has_update; Gen2+ under
// sys.available_updates with cloud fallbacks.
func parseUpdateStatus(device *model.Device, raw json.RawMessage) (*UpdateStatus, error) {
	payload, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	info := &UpdateStatus{CurrentVersion: device.FirmwareVersion}
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return info, nil
	}

	if device.Generation == model.Gen1 {
		update, _ := obj["update"].(map[string]interface{})
		if update == nil {
			return info, nil
		}
		if has, err := coerceBool(update["has_update"]); err == nil {
			info.HasUpdate = has
		}
		if old, ok := update["old_version"].(string); ok && old != "" {
			info.CurrentVersion = old
		}
		if info.HasUpdate {
			if next, ok := update["new_version"].(string); ok {
				info.NewVersion = next
			}
		}
		return info, nil
	}

	if sys, ok := obj["sys"].(map[string]interface{}); ok {
		if updates, ok := sys["available_updates"].(map[string]interface{}); ok {
			if stable, ok := updates["stable"].(map[string]interface{}); ok {
				info.HasUpdate = true
				info.NewVersion, _ = stable["version"].(string)
				return info, nil
			}
		}
	}
	if cloud, ok := obj["cloud"].(map[string]interface{}); ok {
		if updates, ok := cloud["available_updates"].(map[string]interface{}); ok {
			if stable, ok := updates["stable"].(map[string]interface{}); ok {
				info.HasUpdate = true
				info.NewVersion, _ = stable["version"].(string)
				return info, nil
			}
		}
		if newFW, ok := cloud["new_fw"]; ok {
			if has, err := coerceBool(newFW); err == nil {
				info.HasUpdate = has
			}
		}
	}
	return info, nil
}

// writeBack persists a device mutation observed on the wire.
func (e *Engine) writeBack(device *model.Device, mutate func(*model.Device)) {
	if e.store == nil {
		return
	}
	if _, err := e.store.Update(device.ID, mutate); err != nil {
		e.logger.WithError(err).WithField("device_id", device.ID).Warn("Failed to write back device state")
	}
}

func (e *Engine) lockDevice(deviceID string) func() {
	var mu *sync.Mutex
	if e.store != nil {
		mu = e.store.OperationLock(deviceID)
	} else {
		e.fallbackMu.Lock()
		mu = e.fallbackLocks[deviceID]
		if mu == nil {
			mu = &sync.Mutex{}
			e.fallbackLocks[deviceID] = mu
		}
		e.fallbackMu.Unlock()
	}
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) recordResult(operation string, result *model.OperationResult) {
	e.metrics.RecordOperation(operation, result.Success, result.Duration)
	if !result.Success {
		e.metrics.RecordOperationError(string(result.ErrorKind))
	}
}

func newResult(device *model.Device) *model.OperationResult {
	result := &model.OperationResult{AttemptedAt: time.Now()}
	if device != nil {
		result.DeviceID = device.ID
	}
	return result
}

func checkTarget(device *model.Device) error {
	if device == nil {
		return operrors.New(operrors.KindInternal, "nil device")
	}
	if !device.Generation.Valid() {
		return operrors.New(operrors.KindInternal, "device %s has unknown generation", device.ID)
	}
	if !device.Reachable() {
		return operrors.New(operrors.KindUnreachable, "device %s has no known IP address", device.ID)
	}
	return nil
}

func failOp(op *operation, result *model.OperationResult, err error) {
	result.Fail(err)
	if result.ErrorKind == operrors.KindCancelled {
		op.to(stateCancelled)
	} else {
		op.to(stateFailed)
	}
}

// summarize renders a short response digest for operation records.
func summarize(raw json.RawMessage) string {
	const limit = 200
	s := string(raw)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
