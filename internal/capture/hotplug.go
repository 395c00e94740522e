package capture

import (
	"context"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

var hotplugSubsystems = []string{"video4linux", "sound"}

// HotplugMonitor watches udev for capture devices being unplugged and
// notifies the streams using them
type HotplugMonitor struct {
	logger *zap.Logger

	mu       sync.Mutex
	conn     *netlink.UEventConn
	quit     chan struct{}
	running  bool
	watchers map[string]map[int]func(string)
	nextID   int
}

// NewHotplugMonitor creates a stopped monitor
func NewHotplugMonitor(logger *zap.Logger) *HotplugMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HotplugMonitor{
		logger:   logger.Named("hotplug"),
		watchers: make(map[string]map[int]func(string)),
	}
}

// Start connects to the kernel uevent socket. Failure to connect is logged
// and not fatal: recordings then only notice removal through read errors.
func (m *HotplugMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("Failed to connect to netlink socket, device removal detection disabled", zap.Error(err))
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true
	go m.loop(ctx, conn, m.quit)

	m.logger.Info("Hotplug monitor started", zap.Strings("subsystems", hotplugSubsystems))
	return nil
}

// Stop closes the uevent socket
func (m *HotplugMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	close(m.quit)
	_ = m.conn.Close()
	m.conn = nil
	m.running = false
	m.logger.Info("Hotplug monitor stopped")
}

// Watch calls fn when device is removed. The returned func cancels the
// watch.
func (m *HotplugMonitor) Watch(device string, fn func(device string)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	if m.watchers[device] == nil {
		m.watchers[device] = make(map[int]func(string))
	}
	m.watchers[device][id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers[device], id)
		if len(m.watchers[device]) == 0 {
			delete(m.watchers, device)
		}
	}
}

func (m *HotplugMonitor) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, removalMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handle(deviceName(uevent))
		case err := <-errs:
			m.logger.Warn("Netlink monitor error", zap.Error(err))
		}
	}
}

func removalMatcher() netlink.Matcher {
	action := "remove"
	rules := &netlink.RuleDefinitions{}
	for _, subsystem := range hotplugSubsystems {
		rules.AddRule(netlink.RuleDefinition{
			Action: &action,
			Env:    map[string]string{"SUBSYSTEM": subsystem},
		})
	}
	return rules
}

// handle dispatches a removal to the watchers of that device node
func (m *HotplugMonitor) handle(device string) {
	if device == "" {
		return
	}

	m.mu.Lock()
	var fns []func(string)
	for _, fn := range m.watchers[device] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if len(fns) == 0 {
		m.logger.Debug("Ignoring removal of unwatched device", zap.String("device", device))
		return
	}
	m.logger.Warn("Watched capture device removed", zap.String("device", device))
	for _, fn := range fns {
		go fn(device)
	}
}

func deviceName(uevent netlink.UEvent) string {
	if devname := uevent.Env["DEVNAME"]; devname != "" {
		if !strings.HasPrefix(devname, "/") {
			devname = "/dev/" + devname
		}
		return devname
	}
	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return ""
	}
	parts := strings.Split(devpath, "/")
	return "/dev/" + parts[len(parts)-1]
}
