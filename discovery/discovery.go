// Package discovery defines the Discovery Port (§4.E) and a reference
// implementation over DNS-SD/mDNS. The core never dials the network stack
// directly for peer discovery — it consumes Provider, the external
// collaborator boundary from §1/§6 — so an embedding application can supply
// its own OS-native mDNS binding instead.
//
// The reference Provider is grounded on core/network.go's
// mdns.NewMdnsService(h, cfg.DiscoveryTag, n) + HandlePeerFound notifee
// pattern seen in core/network.go, generalized from a libp2p host-bound
// notifee into a standalone channel-based provider (Asinka has no libp2p
// host).
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"
	"github.com/sirupsen/logrus"
)

// ServiceType is the DNS-SD service type every Asinka peer advertises under
// (§4.E).
const ServiceType = "_asinka._tcp"

// Domain is the DNS-SD domain used for LAN discovery.
const Domain = "local."

// servicePrefix is the fixed prefix of every instance name, used to filter
// foreign services and to suppress loopback discovery of self (§4.E).
const servicePrefix = "asinka"

// AdvertiseStatus is the lifecycle of an outstanding advertisement.
type AdvertiseStatus uint8

const (
	Idle AdvertiseStatus = iota
	Advertising
	AdvertiseError
)

// AdvertiseEvent is one value on the advertise() stream (§4.E).
type AdvertiseEvent struct {
	Status  AdvertiseStatus
	Code    string
	Message string
}

// FoundKind discriminates the discover() stream's union (§4.E).
type FoundKind uint8

const (
	Found FoundKind = iota
	Lost
	DiscoveryErr
)

// ServiceInfo describes one discovered peer (§4.E "service info").
type ServiceInfo struct {
	Name  string // full instance name, e.g. "asinka-default-sync-a1b2c3d4"
	Type  string
	Host  string
	Port  int
	Attrs map[string]string
}

// DiscoverEvent is one value on the discover() stream (§4.E).
type DiscoverEvent struct {
	Kind    FoundKind
	Service ServiceInfo
	Code    string
	Message string
}

// Provider is the external collaborator boundary the Session Manager and
// Client Facade consume (§4.E, §6). Implementations advertise this peer's
// presence and observe the appearance/disappearance of others on the LAN.
type Provider interface {
	// Advertise publishes instanceName on port and returns a stream of
	// lifecycle events. Closing ctx (or calling the returned cancel)
	// retracts the advertisement — a scoped resource (§9).
	Advertise(ctx context.Context, instanceName string, port int) (<-chan AdvertiseEvent, context.CancelFunc, error)
	// Discover browses for peers and returns a stream of Found/Lost/Error
	// events. Closing ctx stops the browse.
	Discover(ctx context.Context) (<-chan DiscoverEvent, context.CancelFunc, error)
}

// RandomInstanceSuffix returns 8 random hex characters for the
// "asinka-<name>-<8 hex>" naming convention (§4.E).
func RandomInstanceSuffix() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("discovery: generate instance suffix: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// InstanceName builds the advertised instance name for a given service
// name, e.g. InstanceName("default-sync", "a1b2c3d4") ==
// "asinka-default-sync-a1b2c3d4".
func InstanceName(serviceName, suffix string) string {
	return fmt.Sprintf("%s-%s-%s", servicePrefix, serviceName, suffix)
}

// IsForeign reports whether instanceName follows the Asinka naming
// convention and was not advertised by selfInstanceName (§4.E: "the core
// uses the prefix to filter foreign services and the full name to suppress
// loopback discovery of self").
func IsForeign(instanceName, selfInstanceName string) bool {
	if !strings.HasPrefix(instanceName, servicePrefix+"-") {
		return false
	}
	return instanceName != selfInstanceName
}

const lostCheckInterval = 10 * time.Second

// ZeroconfProvider implements Provider using the zeroconf DNS-SD library: a
// pure-Go mDNS responder/browser, satisfying §6's "bundled DNS-SD
// implementation listening on UDP/5353" fallback requirement.
type ZeroconfProvider struct {
	log *logrus.Logger
}

// NewZeroconfProvider constructs a Provider backed by zeroconf.
func NewZeroconfProvider(log *logrus.Logger) *ZeroconfProvider {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ZeroconfProvider{log: log}
}

func (p *ZeroconfProvider) Advertise(ctx context.Context, instanceName string, port int) (<-chan AdvertiseEvent, context.CancelFunc, error) {
	out := make(chan AdvertiseEvent, 4)
	server, err := zeroconf.Register(instanceName, ServiceType, Domain, port, nil, nil)
	if err != nil {
		close(out)
		return nil, nil, fmt.Errorf("discovery: register %s: %w", instanceName, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out <- AdvertiseEvent{Status: Advertising}
	go func() {
		<-ctx.Done()
		server.Shutdown()
		p.log.WithFields(logrus.Fields{"instance": instanceName}).Info("discovery: advertisement retracted")
		out <- AdvertiseEvent{Status: Idle}
		close(out)
	}()
	return out, cancel, nil
}

func (p *ZeroconfProvider) Discover(ctx context.Context) (<-chan DiscoverEvent, context.CancelFunc, error) {
	out := make(chan DiscoverEvent, 16)
	ctx, cancel := context.WithCancel(ctx)

	entries := make(chan *zeroconf.ServiceEntry, 16)
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		cancel()
		close(out)
		return nil, nil, fmt.Errorf("discovery: new resolver: %w", err)
	}

	go func() {
		defer close(out)

		var mu sync.Mutex
		lastSeen := make(map[string]time.Time)
		known := make(map[string]ServiceInfo)

		ticker := time.NewTicker(lostCheckInterval)
		defer ticker.Stop()

		go func() {
			if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
				out <- DiscoverEvent{Kind: DiscoveryErr, Code: "browse_failed", Message: err.Error()}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-entries:
				if !ok {
					return
				}
				info := serviceInfoFromEntry(e)
				mu.Lock()
				lastSeen[info.Name] = time.Now()
				known[info.Name] = info
				mu.Unlock()
				out <- DiscoverEvent{Kind: Found, Service: info}
			case <-ticker.C:
				mu.Lock()
				cutoff := time.Now().Add(-3 * lostCheckInterval)
				for name, seen := range lastSeen {
					if seen.Before(cutoff) {
						delete(lastSeen, name)
						lost := known[name]
						delete(known, name)
						mu.Unlock()
						out <- DiscoverEvent{Kind: Lost, Service: lost}
						mu.Lock()
					}
				}
				mu.Unlock()
			}
		}
	}()

	return out, cancel, nil
}

func serviceInfoFromEntry(e *zeroconf.ServiceEntry) ServiceInfo {
	host := e.HostName
	if len(e.AddrIPv4) > 0 {
		host = e.AddrIPv4[0].String()
	} else if len(e.AddrIPv6) > 0 {
		host = e.AddrIPv6[0].String()
	}
	attrs := make(map[string]string, len(e.Text))
	for _, kv := range e.Text {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			attrs[parts[0]] = parts[1]
		}
	}
	return ServiceInfo{
		Name:  e.Instance,
		Type:  e.Service,
		Host:  host,
		Port:  e.Port,
		Attrs: attrs,
	}
}
