// Package discovery finds Shelly devices on the local network. Two
// strategies run concurrently: an mDNS listener for _shelly._tcp
// announcements and a chunked HTTP sweep probing GET /shelly across
// configured subnets. Both feed one channel of classified devices that is
// reconciled into the registry.
package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/metrics"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/registry"
	"github.com/frostdev-ops/shelly-fleet-go/internal/transport"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

// Summary reports one discovery run.
type Summary struct {
	Found    int           `json:"found"`
	New      int           `json:"new"`
	Updated  int           `json:"updated"`
	Targets  int           `json:"targets"`
	Duration time.Duration `json:"duration"`
}

// Service orchestrates discovery runs against the registry.
type Service struct {
	registry  *registry.Registry
	types     *capabilities.DeviceTypes
	transport *transport.Client
	metrics   *metrics.Collector
	logger    *logrus.Logger

	prober *Prober
	mdns   *MDNSListener

	subnets      []string
	chunkSize    int
	probeTimeout time.Duration
	mdnsEnabled  bool
	mdnsService  string
	mdnsWait     time.Duration
	enrich       bool
	discovered   func(*model.Device)
	runStarted   func(targets int)
	runCompleted func(*Summary)

	running atomic.Bool
}

// ServiceOption configures the discovery service.
type ServiceOption func(*Service)

// WithSubnets sets the default probe targets used when a run names none.
func WithSubnets(subnets []string) ServiceOption {
	return func(s *Service) { s.subnets = subnets }
}

// WithChunkSize caps the number of simultaneous probes.
func WithChunkSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithProbeTimeout bounds each identification probe.
func WithProbeTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

// WithMDNS enables or disables the announcement listener.
func WithMDNS(enabled bool, service string, wait time.Duration) ServiceOption {
	return func(s *Service) {
		s.mdnsEnabled = enabled
		if service != "" {
			s.mdnsService = service
		}
		if wait > 0 {
			s.mdnsWait = wait
		}
	}
}

// WithEnrichment toggles the follow-up name fetch for unnamed devices.
func WithEnrichment(enabled bool) ServiceOption {
	return func(s *Service) { s.enrich = enabled }
}

// WithMetrics attaches the Prometheus collector.
func WithMetrics(collector *metrics.Collector) ServiceOption {
	return func(s *Service) { s.metrics = collector }
}

// WithDiscoveredHook registers a callback invoked for every device new to
// the registry, used to push discovery events to websocket subscribers.
func WithDiscoveredHook(hook func(*model.Device)) ServiceOption {
	return func(s *Service) { s.discovered = hook }
}

// WithRunHooks registers callbacks fired when a run starts and when it
// completes. Every run fires them, whether the API, the scheduler, or
// the CLI triggered it. Hooks run on the discovery goroutine.
func WithRunHooks(started func(targets int), completed func(*Summary)) ServiceOption {
	return func(s *Service) {
		s.runStarted = started
		s.runCompleted = completed
	}
}

// NewService builds a discovery service over the registry and transport.
func NewService(reg *registry.Registry, types *capabilities.DeviceTypes, client *transport.Client, logger *logrus.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		registry:     reg,
		types:        types,
		transport:    client,
		logger:       logger,
		chunkSize:    16,
		probeTimeout: time.Second,
		mdnsEnabled:  true,
		mdnsService:  "_shelly._tcp",
		mdnsWait:     5 * time.Second,
		enrich:       true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.prober = NewProber(client, types, s.chunkSize, s.probeTimeout, s.metrics, logger)
	if s.mdnsEnabled {
		s.mdns = NewMDNSListener(s.mdnsService, s.mdnsWait, types, logger)
	}
	return s
}

// Running reports whether a discovery run is currently in flight.
func (s *Service) Running() bool {
	return s.running.Load()
}

// Subnets returns the configured default sweep targets.
func (s *Service) Subnets() []string {
	out := make([]string, len(s.subnets))
	copy(out, s.subnets)
	return out
}

// Run sweeps the given subnets (or the configured defaults) and listens
// for announcements, reconciling every classified device into the
// registry. Only one run executes at a time.
func (s *Service) Run(ctx context.Context, subnets []string) (*Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, operrors.New(operrors.KindInternal, "discovery run already in progress")
	}
	defer s.running.Store(false)

	if len(subnets) == 0 {
		subnets = s.subnets
	}
	targets, err := expandTargets(subnets)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	s.logger.WithFields(logrus.Fields{
		"targets": len(targets),
		"mdns":    s.mdns != nil,
	}).Info("Discovery run started")
	if s.runStarted != nil {
		s.runStarted(len(targets))
	}

	out := make(chan model.Device, 32)
	var producers sync.WaitGroup

	if s.mdns != nil {
		producers.Add(1)
		go func() {
			defer producers.Done()
			if err := s.mdns.Browse(ctx, out); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Warn("mDNS browse failed")
			}
		}()
	}
	if len(targets) > 0 {
		producers.Add(1)
		go func() {
			defer producers.Done()
			if err := s.prober.Scan(ctx, targets, out); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Warn("Probe sweep failed")
			}
		}()
	}
	go func() {
		producers.Wait()
		close(out)
	}()

	summary := &Summary{Targets: len(targets)}
	seen := make(map[string]struct{})
	for device := range out {
		s.absorb(ctx, device, summary, seen)
	}

	summary.Duration = time.Since(started)
	s.metrics.SetRegistrySize(s.registry.Count())
	s.logger.WithFields(logrus.Fields{
		"found":    summary.Found,
		"new":      summary.New,
		"updated":  summary.Updated,
		"duration": summary.Duration,
	}).Info("Discovery run completed")
	if s.runCompleted != nil {
		s.runCompleted(summary)
	}
	return summary, nil
}

// absorb reconciles one observation. mDNS and probe records for the same
// MAC merge through the registry's upsert contract regardless of arrival
// order; the summary counts each MAC once per run.
func (s *Service) absorb(ctx context.Context, observed model.Device, summary *Summary, seen map[string]struct{}) {
	_, known := s.registry.Get(observed.ID)
	merged, err := s.registry.Upsert(&observed)
	if err != nil {
		s.logger.WithError(err).WithField("device_id", observed.ID).Warn("Failed to persist discovered device")
		return
	}
	s.metrics.RecordDiscovered(string(observed.DiscoveryMethod))

	if _, dup := seen[merged.ID]; dup {
		return
	}
	seen[merged.ID] = struct{}{}
	summary.Found++
	if known {
		summary.Updated++
		return
	}
	summary.New++
	s.logger.WithFields(logrus.Fields{
		"device_id":   merged.ID,
		"device_type": merged.DeviceType,
		"generation":  merged.Generation,
		"ip":          merged.IPAddress,
		"method":      merged.DiscoveryMethod,
	}).Info("New device discovered")

	if s.enrich && merged.Name == "" && merged.Reachable() {
		s.enrichDevice(ctx, merged)
	}
	if s.discovered != nil {
		s.discovered(merged)
	}
}

// Refresh re-identifies one known device by probing its recorded address.
func (s *Service) Refresh(ctx context.Context, deviceID string) (*model.Device, error) {
	device, ok := s.registry.Get(deviceID)
	if !ok {
		return nil, operrors.New(operrors.KindUnknownDevice, "device %s not in registry", deviceID)
	}
	if !device.Reachable() {
		return nil, operrors.New(operrors.KindUnreachable, "device %s has no known IP address", deviceID)
	}

	raw, err := s.transport.Identify(ctx, device.IPAddress, s.probeTimeout)
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, operrors.Wrap(operrors.KindDeviceError, err, "device %s returned malformed identification", deviceID)
	}
	observed, ok := classifyIdentity(device.IPAddress, payload, s.types)
	if !ok {
		return nil, operrors.New(operrors.KindDeviceError, "host %s no longer identifies as a Shelly device", device.IPAddress)
	}
	if observed.ID != device.ID {
		return nil, operrors.New(operrors.KindDeviceError,
			"host %s now reports MAC %s, expected %s", device.IPAddress, observed.ID, device.ID)
	}
	return s.registry.Upsert(&observed)
}

// enrichDevice fetches the device's own name and writes it back. Shelly
// firmwares report it outside /shelly: Gen1 under /settings, Gen2+ under
// Shelly.GetConfig sys.device.name.
func (s *Service) enrichDevice(ctx context.Context, device *model.Device) {
	name := s.fetchName(ctx, device)
	if name == "" || name == device.Name {
		return
	}
	if _, err := s.registry.Update(device.ID, func(d *model.Device) { d.Name = name }); err != nil {
		s.logger.WithError(err).WithField("device_id", device.ID).Warn("Failed to write back device name")
	}
}

func (s *Service) fetchName(ctx context.Context, device *model.Device) string {
	if device.Generation == model.Gen1 {
		raw, err := s.transport.Gen1Call(ctx, device.IPAddress, "/settings", nil)
		if err != nil {
			return ""
		}
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return ""
		}
		return payload.Name
	}

	raw, err := s.transport.Gen2Call(ctx, device.IPAddress, "Shelly.GetConfig", nil)
	if err != nil {
		return ""
	}
	var payload struct {
		Sys struct {
			Device struct {
				Name string `json:"name"`
			} `json:"device"`
		} `json:"sys"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	return payload.Sys.Device.Name
}
