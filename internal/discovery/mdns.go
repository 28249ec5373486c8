package discovery

import (
	"context"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

const mdnsDomain = "local."

// MDNSListener collects Shelly service announcements for a bounded window.
type MDNSListener struct {
	service string
	wait    time.Duration
	types   *capabilities.DeviceTypes
	logger  *logrus.Logger
}

// NewMDNSListener builds a listener for the given service type, usually
// "_shelly._tcp".
func NewMDNSListener(service string, wait time.Duration, types *capabilities.DeviceTypes, logger *logrus.Logger) *MDNSListener {
	if service == "" {
		service = "_shelly._tcp"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &MDNSListener{
		service: service,
		wait:    wait,
		types:   types,
		logger:  logger,
	}
}

// Browse listens for announcements until the wait window closes or ctx is
// cancelled, emitting classified devices to out. The resolver closes the
// entry channel when the browse context ends.
func (l *MDNSListener) Browse(ctx context.Context, out chan<- model.Device) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return operrors.Wrap(operrors.KindInternal, err, "create mdns resolver")
	}

	browseCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for {
			select {
			case entry, open := <-entries:
				if !open {
					return
				}
				device, ok := classifyMDNSEntry(entry, l.types)
				if !ok {
					continue
				}
				l.logger.WithFields(logrus.Fields{
					"ip":        device.IPAddress,
					"device_id": device.ID,
					"instance":  entry.Instance,
				}).Debug("mDNS announcement classified")
				select {
				case out <- device:
				case <-browseCtx.Done():
					return
				}
			case <-browseCtx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(browseCtx, l.service, mdnsDomain, entries); err != nil {
		cancel()
		<-consumed
		return operrors.Wrap(operrors.KindInternal, err, "browse %s", l.service)
	}

	<-browseCtx.Done()
	<-consumed
	return nil
}
