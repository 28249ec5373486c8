package groups

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/frostdev-ops/shelly-fleet-go/internal/engine"
	"github.com/frostdev-ops/shelly-fleet-go/internal/metrics"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/registry"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

// DefaultDestructiveVerbs is the verb set gated behind confirmation when
// targeting all-devices. Writes to wifi.* parameters are always gated.
func DefaultDestructiveVerbs() []string {
	return []string{"off", "reboot", "update_firmware"}
}

// Executor fans a logical request out across a group. Per-device failures
// are folded into the aggregate result; only caller contract violations
// (unknown group, unknown verb, missing confirmation) fail the fleet call
// itself.
type Executor struct {
	registry *registry.Registry
	groups   *Manager
	engine   *engine.Engine
	metrics  *metrics.Collector
	logger   *logrus.Logger

	concurrency   int
	deviceTimeout time.Duration
	destructive   map[string]struct{}
	completed     func(*model.GroupResult)
}

// ExecutorOption configures the executor.
type ExecutorOption func(*Executor)

// WithConcurrency caps the number of simultaneous per-device operations.
func WithConcurrency(n int) ExecutorOption {
	return func(x *Executor) {
		if n > 0 {
			x.concurrency = n
		}
	}
}

// WithDeviceTimeout bounds each per-device operation.
func WithDeviceTimeout(d time.Duration) ExecutorOption {
	return func(x *Executor) {
		if d > 0 {
			x.deviceTimeout = d
		}
	}
}

// WithDestructiveVerbs replaces the confirmation-gated verb set.
func WithDestructiveVerbs(verbs []string) ExecutorOption {
	return func(x *Executor) {
		x.destructive = make(map[string]struct{}, len(verbs))
		for _, v := range verbs {
			x.destructive[v] = struct{}{}
		}
	}
}

// WithMetrics attaches the Prometheus collector.
func WithMetrics(collector *metrics.Collector) ExecutorOption {
	return func(x *Executor) { x.metrics = collector }
}

// WithCompletionHook registers a callback invoked after every group run,
// used to push run events to websocket subscribers.
func WithCompletionHook(hook func(*model.GroupResult)) ExecutorOption {
	return func(x *Executor) { x.completed = hook }
}

// NewExecutor builds a group executor over the registry, group store, and
// engine.
func NewExecutor(reg *registry.Registry, manager *Manager, eng *engine.Engine, logger *logrus.Logger, opts ...ExecutorOption) *Executor {
	x := &Executor{
		registry:      reg,
		groups:        manager,
		engine:        eng,
		logger:        logger,
		concurrency:   16,
		deviceTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.destructive == nil {
		x.destructive = make(map[string]struct{})
		for _, v := range DefaultDestructiveVerbs() {
			x.destructive[v] = struct{}{}
		}
	}
	return x
}

// Operate runs a control verb against every member of a group.
func (x *Executor) Operate(ctx context.Context, groupName, verb string, args engine.Args, confirm bool) (*model.GroupResult, error) {
	if _, ok := x.engine.Recipes().Lookup(verb); !ok {
		return nil, operrors.New(operrors.KindUnsupportedParameter, "unknown operation %q", verb)
	}
	_, destructive := x.destructive[verb]
	return x.run(ctx, groupName, request{
		action:      verb,
		metricKind:  verb,
		destructive: destructive,
		confirm:     confirm,
		fn: func(ctx context.Context, device *model.Device) *model.OperationResult {
			return x.engine.Operate(ctx, device, verb, args)
		},
	})
}

// SetParameter writes one logical parameter on every member of a group.
func (x *Executor) SetParameter(ctx context.Context, groupName, name string, value interface{}, opts engine.SetOptions, confirm bool) (*model.GroupResult, error) {
	return x.run(ctx, groupName, request{
		action:      "set " + name,
		metricKind:  "set",
		destructive: destructiveParameter(name),
		confirm:     confirm,
		fn: func(ctx context.Context, device *model.Device) *model.OperationResult {
			return x.engine.Set(ctx, device, name, value, opts)
		},
	})
}

// GetParameter reads one logical parameter from every member of a group.
func (x *Executor) GetParameter(ctx context.Context, groupName, name string) (*model.GroupResult, error) {
	return x.run(ctx, groupName, request{
		action:     "get " + name,
		metricKind: "get",
		fn: func(ctx context.Context, device *model.Device) *model.OperationResult {
			start := time.Now()
			result := &model.OperationResult{DeviceID: device.ID, AttemptedAt: start}
			value, err := x.engine.Get(ctx, device, name)
			result.Duration = time.Since(start)
			if err != nil {
				result.Fail(err)
				return result
			}
			result.Success = true
			result.Value = value.Value
			return result
		},
	})
}

// ApplyParameters writes several logical parameters on every member of a
// group, one device lock and at most one reboot per device.
func (x *Executor) ApplyParameters(ctx context.Context, groupName string, params map[string]interface{}, opts engine.SetOptions, confirm bool) (*model.GroupResult, error) {
	destructive := false
	for name := range params {
		if destructiveParameter(name) {
			destructive = true
			break
		}
	}
	return x.run(ctx, groupName, request{
		action:      "apply",
		metricKind:  "apply",
		destructive: destructive,
		confirm:     confirm,
		fn: func(ctx context.Context, device *model.Device) *model.OperationResult {
			return x.engine.Apply(ctx, device, params, opts)
		},
	})
}

// request is one resolved fleet call.
type request struct {
	action      string
	metricKind  string
	destructive bool
	confirm     bool
	fn          func(ctx context.Context, device *model.Device) *model.OperationResult
}

// target is one result slot: a resolved device, or a skipped member the
// registry does not know.
type target struct {
	id     string
	device *model.Device
	pos    int
}

func (x *Executor) run(ctx context.Context, groupName string, req request) (*model.GroupResult, error) {
	if groupName == model.AllDevicesGroup && req.destructive && !req.confirm {
		return nil, operrors.New(operrors.KindConfirmationRequired,
			"%s on %s requires explicit confirmation", req.action, model.AllDevicesGroup)
	}

	targets, err := x.resolve(groupName)
	if err != nil {
		return nil, err
	}

	result := &model.GroupResult{
		RunID:     uuid.NewString(),
		GroupName: groupName,
		Action:    req.action,
		StartedAt: time.Now(),
		Results:   make([]model.OperationResult, len(targets)),
	}

	// Skipped slots are filled up front; only live targets dispatch.
	dispatch := make([]int, 0, len(targets))
	for i, t := range targets {
		if t.device == nil {
			result.Results[i] = model.OperationResult{
				DeviceID:     t.id,
				Skipped:      true,
				AttemptedAt:  time.Now(),
				ErrorKind:    operrors.KindUnknownDevice,
				ErrorMessage: "device " + t.id + " not in registry",
			}
			continue
		}
		dispatch = append(dispatch, i)
	}
	// Dispatch follows registry insertion order so replays are
	// deterministic; result slots keep the input order.
	sort.Slice(dispatch, func(a, b int) bool {
		return targets[dispatch[a]].pos < targets[dispatch[b]].pos
	})

	var g errgroup.Group
	g.SetLimit(x.concurrency)
	for _, idx := range dispatch {
		idx := idx
		t := targets[idx]
		g.Go(func() error {
			deviceCtx, cancel := context.WithTimeout(ctx, x.deviceTimeout)
			defer cancel()
			result.Results[idx] = *req.fn(deviceCtx, t.device)
			return nil
		})
	}
	g.Wait()

	result.Duration = time.Since(result.StartedAt)
	result.Tally()

	x.metrics.RecordGroupRun(req.metricKind, result.Duration)
	x.logger.WithFields(logrus.Fields{
		"run_id":  result.RunID,
		"group":   groupName,
		"action":  req.action,
		"success": result.SuccessCount,
		"failed":  result.FailureCount,
		"skipped": result.SkippedCount,
	}).Info("Group run completed")

	if x.completed != nil {
		x.completed(result)
	}
	return result, nil
}

// resolve maps a group name to its result slots against one registry
// snapshot. all-devices is the full snapshot; normal groups keep their
// member order and mark MACs the registry does not know.
func (x *Executor) resolve(groupName string) ([]target, error) {
	devices := x.registry.List()

	if groupName == model.AllDevicesGroup {
		targets := make([]target, len(devices))
		for i, d := range devices {
			targets[i] = target{id: d.ID, device: d, pos: i}
		}
		return targets, nil
	}

	group, ok := x.groups.Get(groupName)
	if !ok {
		return nil, operrors.New(operrors.KindUnknownDevice, "group %q is not defined", groupName)
	}

	byID := make(map[string]int, len(devices))
	for i, d := range devices {
		byID[d.ID] = i
	}
	targets := make([]target, len(group.DeviceIDs))
	for i, member := range group.DeviceIDs {
		id := model.NormalizeMAC(member)
		if pos, known := byID[id]; known {
			targets[i] = target{id: id, device: devices[pos], pos: pos}
		} else {
			targets[i] = target{id: id}
		}
	}
	return targets, nil
}

// destructiveParameter reports whether writing the named parameter is
// confirmation-gated. All wifi.* writes are.
func destructiveParameter(name string) bool {
	return strings.HasPrefix(name, "wifi.")
}
