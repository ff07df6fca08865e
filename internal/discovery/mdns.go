// ABOUTME: mDNS service discovery for Airly hosts
// ABOUTME: Hosts advertise _airly._tcp, listeners browse and report what they find
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"
)

const (
	// ServiceType is the mDNS service advertised by hosts
	ServiceType = "_airly._tcp"

	defaultPath = "/airly"
)

// Config holds discovery configuration
type Config struct {
	ServiceName  string // instance name, shown to listeners
	ServiceType  string // defaults to ServiceType
	Port         int
	Path         string // WebSocket path published in TXT
	BrowseWindow time.Duration
}

// Host describes a discovered host
type Host struct {
	Name string
	IP   string
	Port int
	Path string
}

// Addr returns host:port for dialing
func (h Host) Addr() string {
	return net.JoinHostPort(h.IP, strconv.Itoa(h.Port))
}

// Manager handles mDNS operations
type Manager struct {
	config Config
	logger *logrus.Entry

	mu           sync.Mutex
	server       *mdns.Server
	browseCancel context.CancelFunc
	browseDone   chan struct{}

	hosts chan Host
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.ServiceType == "" {
		config.ServiceType = ServiceType
	}
	if config.Path == "" {
		config.Path = defaultPath
	}
	if config.BrowseWindow <= 0 {
		config.BrowseWindow = 3 * time.Second
	}

	return &Manager{
		config: config,
		logger: logrus.WithField("component", "Discovery"),
		hosts:  make(chan Host, 10),
	}
}

// Advertise publishes this host via mDNS. Calling it twice is a no-op.
func (m *Manager) Advertise() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != nil {
		return nil
	}

	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		m.config.ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=" + m.config.Path},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}
	m.server = server

	m.logger.WithFields(logrus.Fields{
		"name": m.config.ServiceName,
		"port": m.config.Port,
		"type": m.config.ServiceType,
	}).Info("Advertising mDNS service")
	return nil
}

// StopAdvertise withdraws the advertisement
func (m *Manager) StopAdvertise() {
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()

	if server != nil {
		if err := server.Shutdown(); err != nil {
			m.logger.WithError(err).Warn("mDNS shutdown failed")
		}
	}
}

// Browse searches for hosts until StopBrowse. Results arrive on Hosts().
func (m *Manager) Browse() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browseCancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.browseCancel = cancel
	m.browseDone = make(chan struct{})

	go m.browseLoop(ctx, m.browseDone)
	return nil
}

// StopBrowse ends browsing and waits for the loop to exit
func (m *Manager) StopBrowse() {
	m.mu.Lock()
	cancel, done := m.browseCancel, m.browseDone
	m.browseCancel, m.browseDone = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// browseLoop queries repeatedly; each host is reported once per address change
func (m *Manager) browseLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	seen := make(map[string]string)

	for {
		if ctx.Err() != nil {
			return
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		collected := make(chan struct{})

		go func() {
			defer close(collected)
			for entry := range entries {
				host, ok := hostFromEntry(entry, m.config.ServiceType)
				if !ok {
					continue
				}
				if seen[host.Name] == host.Addr() {
					continue
				}
				seen[host.Name] = host.Addr()

				m.logger.WithFields(logrus.Fields{
					"name": host.Name,
					"addr": host.Addr(),
				}).Info("Discovered host")

				select {
				case m.hosts <- host:
				case <-ctx.Done():
				}
			}
		}()

		params := &mdns.QueryParam{
			Service:     m.config.ServiceType,
			Domain:      "local",
			Timeout:     m.config.BrowseWindow,
			Entries:     entries,
			DisableIPv6: true,
		}
		if err := mdns.Query(params); err != nil {
			m.logger.WithError(err).Warn("mDNS query failed")
		}
		close(entries)
		<-collected

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// hostFromEntry converts a browse result into a Host
func hostFromEntry(entry *mdns.ServiceEntry, serviceType string) (Host, bool) {
	if entry == nil || entry.AddrV4 == nil || entry.Port == 0 {
		return Host{}, false
	}

	name := strings.TrimSuffix(entry.Name, ".")
	name = strings.TrimSuffix(name, ".local")
	name = strings.TrimSuffix(name, "."+serviceType)
	name = strings.ReplaceAll(name, `\ `, " ")

	host := Host{
		Name: name,
		IP:   entry.AddrV4.String(),
		Port: entry.Port,
		Path: defaultPath,
	}
	for _, field := range entry.InfoFields {
		if v, ok := strings.CutPrefix(field, "path="); ok && v != "" {
			host.Path = v
		}
	}
	return host, true
}

// Hosts returns the channel of discovered hosts
func (m *Manager) Hosts() <-chan Host {
	return m.hosts
}

// Stop stops advertising and browsing
func (m *Manager) Stop() {
	m.StopAdvertise()
	m.StopBrowse()
}

// getLocalIPs returns local IPv4 addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
