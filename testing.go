package zftl

import (
	"sync"

	"github.com/ehrlich-b/go-zftl/internal/controller"
	"github.com/ehrlich-b/go-zftl/internal/nvme"
	"github.com/ehrlich-b/go-zftl/internal/queuepair"
)

// MockController wraps a real SimulatedController, adding call
// counters and the ability to inject a one-shot failure on the next
// zone-action, used to exercise Reclaim's fatal-reset-failure path
// (§7) without a real device.
type MockController struct {
	inner *controller.SimulatedController

	mu              sync.Mutex
	zoneActionCalls int
	createQPCalls   int
	failNextReset   error
}

// NewMockController allocates a MockController backed by a fresh
// SimulatedController of the given geometry.
func NewMockController(nsid uint32, blockSize uint32, zoneCount int, zoneSize, zoneCap uint64) (*MockController, error) {
	inner, err := controller.NewSimulatedController(nsid, blockSize, zoneCount, zoneSize, zoneCap)
	if err != nil {
		return nil, err
	}
	return &MockController{inner: inner}, nil
}

func (m *MockController) Namespaces() []controller.NamespaceInfo {
	return m.inner.Namespaces()
}

func (m *MockController) CreateIOQueuePair(nsid uint32, depth uint32) (*queuepair.QueuePair, error) {
	m.mu.Lock()
	m.createQPCalls++
	m.mu.Unlock()
	return m.inner.CreateIOQueuePair(nsid, depth)
}

func (m *MockController) DeleteIOQueuePair(qp *queuepair.QueuePair) error {
	return m.inner.DeleteIOQueuePair(qp)
}

func (m *MockController) GetZoneDescriptors(nsid uint32) ([]nvme.ZoneDescriptor, error) {
	return m.inner.GetZoneDescriptors(nsid)
}

func (m *MockController) ZoneAction(nsid uint32, zslba uint64, allZones bool, action nvme.ZoneAction) error {
	m.mu.Lock()
	m.zoneActionCalls++
	if action == nvme.ZoneActionReset && m.failNextReset != nil {
		err := m.failNextReset
		m.failNextReset = nil
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	return m.inner.ZoneAction(nsid, zslba, allZones, action)
}

// FailNextReset arranges for the next ZoneActionReset call to return
// err instead of reaching the simulated controller.
func (m *MockController) FailNextReset(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextReset = err
}

// ZoneActionCalls returns the number of ZoneAction calls observed so
// far, for assertions like "init resets exactly once".
func (m *MockController) ZoneActionCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zoneActionCalls
}

// CreateIOQueuePairCalls returns the number of queue pairs created.
func (m *MockController) CreateIOQueuePairCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createQPCalls
}

func (m *MockController) Close() error {
	return m.inner.Close()
}

var _ controller.Controller = (*MockController)(nil)
