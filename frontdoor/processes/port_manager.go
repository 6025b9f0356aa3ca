package processes

import (
	"fmt"
	"net"
	"sync"
)

// PortManager hands out TCP ports to children configured without a fixed port.
type PortManager struct {
	mu            sync.Mutex
	minPort       int
	maxPort       int
	allocated     map[int]bool
	nextCandidate int
}

// NewPortManager creates a PortManager for the inclusive range [minPort, maxPort].
func NewPortManager(minPort, maxPort int) (*PortManager, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort || maxPort > 65535 {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &PortManager{
		minPort:       minPort,
		maxPort:       maxPort,
		allocated:     make(map[int]bool),
		nextCandidate: minPort,
	}, nil
}

// Reserve marks a fixed port as taken so AllocatePort never hands it out.
func (pm *PortManager) Reserve(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if port >= pm.minPort && port <= pm.maxPort {
		pm.allocated[port] = true
	}
}

// AllocatePort finds a port in range that is neither allocated nor bound by another process.
func (pm *PortManager) AllocatePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	span := pm.maxPort - pm.minPort + 1
	for i := 0; i < span; i++ {
		port := pm.nextCandidate
		pm.nextCandidate++
		if pm.nextCandidate > pm.maxPort {
			pm.nextCandidate = pm.minPort
		}
		if pm.allocated[port] {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		pm.allocated[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no available ports in range [%d-%d]", pm.minPort, pm.maxPort)
}

// ReleasePort marks a previously allocated port as available again.
func (pm *PortManager) ReleasePort(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.allocated, port)
}
