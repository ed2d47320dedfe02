package delivery

import (
	"context"

	"github.com/skobkin/meshbot/internal/iface"
	"github.com/skobkin/meshbot/internal/radio"
)

// Handle is a consumer's share of one interface.
type Handle interface {
	InterfaceID() string
	Live() bool
	MaxPacketSize() int
	Send(ctx context.Context, pkt radio.Packet) (uint32, error)
	Release()
}

// Link is the engine's view of the interface manager.
type Link interface {
	Acquire(ctx context.Context, interfaceID string) (Handle, error)
	Interfaces() []string
	IsLive(interfaceID string) bool
	MaxPacketSize(interfaceID string) int
	LocalNodeIDs() []string
	LocalNodeID(interfaceID string) string
}

// Reachability answers whether a destination is worth attempting right now.
type Reachability interface {
	IsOnline(nodeID string) bool
	InterfaceFor(nodeID string) string
}

type managerLink struct {
	*iface.Manager
}

// ManagerLink adapts the interface manager to Link.
func ManagerLink(m *iface.Manager) Link {
	return managerLink{Manager: m}
}

func (l managerLink) Acquire(ctx context.Context, interfaceID string) (Handle, error) {
	h, err := l.Manager.Acquire(ctx, interfaceID)
	if err != nil {
		return nil, err
	}

	return h, nil
}
