package discovery

import (
	"encoding/binary"
	"net"
	"strings"

	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

// maxHostBits caps expandable subnets at /16. Wider blocks generate too
// many probe targets for an embedded-device scan.
const maxHostBits = 16

// expandTargets flattens a mix of CIDR blocks and bare IPs into the probe
// target list, preserving input order.
func expandTargets(subnets []string) ([]string, error) {
	var targets []string
	for _, subnet := range subnets {
		subnet = strings.TrimSpace(subnet)
		if subnet == "" {
			continue
		}
		if !strings.Contains(subnet, "/") {
			if !validProbeTarget(subnet) {
				return nil, operrors.New(operrors.KindInternal, "invalid probe target %q", subnet)
			}
			targets = append(targets, subnet)
			continue
		}
		ips, err := expandCIDR(subnet)
		if err != nil {
			return nil, err
		}
		targets = append(targets, ips...)
	}
	return targets, nil
}

// validProbeTarget accepts a bare IP address or an address:port pair, the
// form devices behind port forwards are reached at.
func validProbeTarget(target string) bool {
	if net.ParseIP(target) != nil {
		return true
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil || port == "" {
		return false
	}
	return net.ParseIP(host) != nil
}

// expandCIDR lists the host addresses of an IPv4 CIDR block, skipping the
// network and broadcast addresses of blocks that have them.
func expandCIDR(cidr string) ([]string, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, operrors.Wrap(operrors.KindInternal, err, "invalid subnet %q", cidr)
	}
	ip4 := ipNet.IP.To4()
	if ip4 == nil {
		return nil, operrors.New(operrors.KindInternal, "subnet %q is not IPv4", cidr)
	}

	ones, bits := ipNet.Mask.Size()
	hostBits := bits - ones
	if hostBits > maxHostBits {
		return nil, operrors.New(operrors.KindInternal, "subnet %q is larger than /%d", cidr, 32-maxHostBits)
	}

	base := binary.BigEndian.Uint32(ip4)
	count := uint32(1) << hostBits

	// /31 and /32 have no network or broadcast address.
	first, last := uint32(0), count
	if hostBits > 1 {
		first, last = 1, count-1
	}

	ips := make([]string, 0, last-first)
	for offset := first; offset < last; offset++ {
		addr := make(net.IP, net.IPv4len)
		binary.BigEndian.PutUint32(addr, base+offset)
		ips = append(ips, addr.String())
	}
	return ips, nil
}

// chunk splits targets into batches of at most size elements.
func chunk(targets []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var chunks [][]string
	for len(targets) > 0 {
		n := size
		if n > len(targets) {
			n = len(targets)
		}
		chunks = append(chunks, targets[:n])
		targets = targets[n:]
	}
	return chunks
}
