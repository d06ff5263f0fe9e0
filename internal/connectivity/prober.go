package connectivity

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

// probeTimeout bounds the reachability check so a dead network cannot stall
// the poll loop.
const probeTimeout = 5 * time.Second

// HTTPProber determines connectivity by scanning network interfaces and
// issuing a HEAD request against the API endpoint. Interface state answers
// "do we have a link at all"; the HEAD request answers "can we actually
// reach the service".
type HTTPProber struct {
	endpoint string
	client   *http.Client

	// interfacesFunc is injectable for tests; defaults to net.Interfaces.
	interfacesFunc func() ([]net.Interface, error)
}

// NewHTTPProber creates a prober against the given endpoint URL. A nil
// client gets a default with the probe timeout applied.
func NewHTTPProber(endpoint string, client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}

	return &HTTPProber{
		endpoint:       endpoint,
		client:         client,
		interfacesFunc: net.Interfaces,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) Status {
	connType := p.activeConnectionType()
	if connType == ConnectionNone {
		return Status{Online: false, ConnectionType: ConnectionNone}
	}

	online, downlink := p.reachable(ctx)
	if !online {
		return Status{Online: false, ConnectionType: connType}
	}

	return Status{
		Online:         true,
		ConnectionType: connType,
		EffectiveType:  effectiveFromDownlink(downlink),
		DownlinkMbps:   downlink,
		Slow:           computeSlow(effectiveFromDownlink(downlink), downlink),
	}
}

// activeConnectionType picks the first up, non-loopback interface and
// classifies it by name prefix. Unknown prefixes degrade to
// ConnectionUnknown, never to an error.
func (p *HTTPProber) activeConnectionType() ConnectionType {
	ifaces, err := p.interfacesFunc()
	if err != nil {
		return ConnectionUnknown
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		return classifyInterface(iface.Name)
	}

	return ConnectionNone
}

// classifyInterface maps common Linux interface name prefixes to connection
// types.
func classifyInterface(name string) ConnectionType {
	switch {
	case strings.HasPrefix(name, "wl"):
		return ConnectionWifi
	case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
		return ConnectionEthernet
	case strings.HasPrefix(name, "ww"), strings.HasPrefix(name, "rmnet"):
		return ConnectionCellular
	default:
		return ConnectionUnknown
	}
}

// reachable issues a HEAD request and derives a rough downlink estimate
// from the round-trip time. The estimate is deliberately coarse: it only
// needs to separate "slow" from "fine".
func (p *HTTPProber) reachable(ctx context.Context) (bool, float64) {
	if p.endpoint == "" {
		// No endpoint configured: link up is the best signal available.
		return true, 0
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.endpoint, nil)
	if err != nil {
		return false, 0
	}

	start := time.Now()

	resp, err := p.client.Do(req)
	if err != nil {
		return false, 0
	}
	resp.Body.Close()

	rtt := time.Since(start)

	return true, downlinkFromRTT(rtt)
}

// downlinkFromRTT converts a probe round-trip time into a rough Mbps
// estimate. The mapping follows the buckets the mobile network-information
// API reports, not a real bandwidth measurement.
func downlinkFromRTT(rtt time.Duration) float64 {
	switch {
	case rtt < 100*time.Millisecond:
		return 10
	case rtt < 300*time.Millisecond:
		return 4
	case rtt < 1*time.Second:
		return 1.5
	case rtt < 2*time.Second:
		return 0.5
	default:
		return 0.1
	}
}

// effectiveFromDownlink maps a downlink estimate to an effective type.
// Zero (unknown) yields an empty effective type.
func effectiveFromDownlink(downlink float64) EffectiveType {
	switch {
	case downlink <= 0:
		return ""
	case downlink < 0.3:
		return EffectiveSlow2G
	case downlink < slowDownlinkMbps:
		return Effective2G
	case downlink < 5:
		return Effective3G
	default:
		return Effective4G
	}
}
