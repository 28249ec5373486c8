package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/metrics"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/transport"
)

// Prober sweeps IP ranges with GET /shelly identification requests. Probes
// run in chunks; each chunk completes before the next starts so a sweep
// never holds more sockets than the chunk size.
type Prober struct {
	client    *transport.Client
	types     *capabilities.DeviceTypes
	chunkSize int
	timeout   time.Duration
	metrics   *metrics.Collector
	logger    *logrus.Logger
}

// NewProber builds a prober over the shared device transport.
func NewProber(client *transport.Client, types *capabilities.DeviceTypes, chunkSize int, timeout time.Duration, collector *metrics.Collector, logger *logrus.Logger) *Prober {
	if chunkSize <= 0 {
		chunkSize = 16
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Prober{
		client:    client,
		types:     types,
		chunkSize: chunkSize,
		timeout:   timeout,
		metrics:   collector,
		logger:    logger,
	}
}

// Scan probes every target and emits classified devices to out. Hosts that
// do not answer, answer with non-JSON, or are not Shelly devices are
// silently discarded. Cancellation stops before the next chunk and aborts
// in-flight probes.
func (p *Prober) Scan(ctx context.Context, targets []string, out chan<- model.Device) error {
	started := time.Now()
	probed := 0

	for _, batch := range chunk(targets, p.chunkSize) {
		if err := ctx.Err(); err != nil {
			return err
		}

		var wg sync.WaitGroup
		for _, ip := range batch {
			wg.Add(1)
			go func(ip string) {
				defer wg.Done()
				device, ok := p.probe(ctx, ip)
				if !ok {
					return
				}
				select {
				case out <- device:
				case <-ctx.Done():
				}
			}(ip)
		}
		wg.Wait()
		probed += len(batch)
		p.metrics.RecordProbes(len(batch))
	}

	p.logger.WithFields(logrus.Fields{
		"targets":  probed,
		"duration": time.Since(started),
	}).Debug("Probe sweep finished")
	return nil
}

func (p *Prober) probe(ctx context.Context, ip string) (model.Device, bool) {
	raw, err := p.client.Identify(ctx, ip, p.timeout)
	if err != nil {
		return model.Device{}, false
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return model.Device{}, false
	}
	device, ok := classifyIdentity(ip, payload, p.types)
	if !ok {
		return model.Device{}, false
	}
	p.logger.WithFields(logrus.Fields{
		"ip":          ip,
		"device_id":   device.ID,
		"device_type": device.DeviceType,
		"generation":  device.Generation,
	}).Debug("Probe identified device")
	return device, true
}
