package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/cribcall/cribcall-go/pkg/identity"
)

// MDNSAdvertiser implements the Advertiser interface using zeroconf.
type MDNSAdvertiser struct {
	config AdvertiserConfig

	mu       sync.Mutex
	server   *zeroconf.Server
	instance string
}

// NewMDNSAdvertiser creates a new mDNS advertiser.
func NewMDNSAdvertiser(config AdvertiserConfig) *MDNSAdvertiser {
	return &MDNSAdvertiser{config: config}
}

// getInterfaces returns the network interfaces to use for advertising.
// Returns nil to use all interfaces.
func (a *MDNSAdvertiser) getInterfaces() []net.Interface {
	return selectInterfaces(a.config.Interface)
}

// Advertise registers the monitor service, shutting down any previous registration.
func (a *MDNSAdvertiser) Advertise(ctx context.Context, rec MonitorRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	instance := rec.InstanceName
	if instance == "" {
		instance = InstanceName(rec.MonitorName, rec.DeviceID)
	}
	if err := ValidateInstanceName(instance); err != nil {
		return err
	}

	port := rec.ControlPort
	if port == 0 {
		port = DefaultControlPort
		rec.ControlPort = port
	}
	if rec.PairingPort == 0 {
		rec.PairingPort = DefaultPairingPort
	}

	txtStrings := TXTRecordsToStrings(EncodeMonitorTXT(rec))

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	server, err := zeroconf.Register(
		instance,
		ServiceType,
		Domain,
		port,
		txtStrings,
		a.getInterfaces(),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to register monitor service: %w", err)
	}

	a.server = server
	a.instance = instance
	return nil
}

// Update replaces the TXT records of the active advertisement.
func (a *MDNSAdvertiser) Update(rec MonitorRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return ErrNotAdvertising
	}
	a.server.SetText(TXTRecordsToStrings(EncodeMonitorTXT(rec)))
	return nil
}

// Stop shuts the registration down.
func (a *MDNSAdvertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.instance = ""
	}
	return nil
}

// Instance returns the registered instance name, or "" when idle.
func (a *MDNSAdvertiser) Instance() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instance
}

// MDNSBrowser implements the Browser interface using zeroconf.
type MDNSBrowser struct {
	config BrowserConfig
}

// NewMDNSBrowser creates a new mDNS browser.
func NewMDNSBrowser(config BrowserConfig) *MDNSBrowser {
	if config.BrowseTimeout <= 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	return &MDNSBrowser{config: config}
}

// Browse searches for monitors.
// Services are aggregated by instance name - addresses from multiple interfaces
// are combined into a single record.
func (b *MDNSBrowser) Browse(ctx context.Context) (<-chan MonitorRecord, error) {
	out := make(chan MonitorRecord)

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go aggregate(ctx, entries, removed, out)

	// Start browsing in background
	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, b.browserOptions()...)
	}()

	return out, nil
}

// FindByFingerprint browses until a monitor advertising fp shows up.
func (b *MDNSBrowser) FindByFingerprint(ctx context.Context, fp string) (MonitorRecord, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.BrowseTimeout)
		defer cancel()
	}

	results, err := b.Browse(ctx)
	if err != nil {
		return MonitorRecord{}, err
	}
	return findByFingerprint(ctx, results, fp)
}

// browserOptions returns zeroconf client options based on config.
func (b *MDNSBrowser) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if ifaces := selectInterfaces(b.config.Interface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}
	return opts
}

func findByFingerprint(ctx context.Context, results <-chan MonitorRecord, fp string) (MonitorRecord, error) {
	want := identity.NormalizeFingerprint(fp)
	for {
		select {
		case rec, ok := <-results:
			if !ok {
				if err := ctx.Err(); err != nil {
					return MonitorRecord{}, fmt.Errorf("%w: %v", ErrNotFound, err)
				}
				return MonitorRecord{}, ErrNotFound
			}
			if rec.CertFingerprint == want {
				return rec, nil
			}
		case <-ctx.Done():
			return MonitorRecord{}, fmt.Errorf("%w: %v", ErrNotFound, ctx.Err())
		}
	}
}

// aggregate turns raw zeroconf entries into records, one emission per instance.
func aggregate(ctx context.Context, entries, removed <-chan *zeroconf.ServiceEntry, out chan<- MonitorRecord) {
	defer close(out)

	// Track records by instance name, aggregating addresses
	records := make(map[string]*MonitorRecord)

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			rec, err := entryToRecord(entry)
			if err != nil {
				continue
			}

			existing, found := records[rec.InstanceName]
			if found {
				existing.Addresses = mergeAddresses(existing.Addresses, rec.Addresses)
				continue
			}
			records[rec.InstanceName] = &rec
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}

		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			if existing, found := records[entry.Instance]; found {
				existing.Addresses = removeAddresses(existing.Addresses, entry)
				if len(existing.Addresses) == 0 {
					delete(records, entry.Instance)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// entryToRecord converts a zeroconf entry to a MonitorRecord.
func entryToRecord(entry *zeroconf.ServiceEntry) (MonitorRecord, error) {
	rec, err := DecodeMonitorTXT(StringsToTXTRecords(entry.Text))
	if err != nil {
		return rec, err
	}

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	rec.InstanceName = entry.Instance
	rec.MonitorName = entry.Instance
	rec.Host = entry.HostName
	rec.Addresses = addrs
	return rec, nil
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}

	for _, addr := range added {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses removes addresses from a zeroconf entry from the list.
func removeAddresses(addresses []string, entry *zeroconf.ServiceEntry) []string {
	toRemove := make(map[string]bool)
	for _, ip := range entry.AddrIPv4 {
		toRemove[ip.String()] = true
	}
	for _, ip := range entry.AddrIPv6 {
		toRemove[ip.String()] = true
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}

func selectInterfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Ensure MDNSAdvertiser implements Advertiser interface.
var _ Advertiser = (*MDNSAdvertiser)(nil)

// Ensure MDNSBrowser implements Browser interface.
var _ Browser = (*MDNSBrowser)(nil)
