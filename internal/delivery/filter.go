package delivery

import (
	"fmt"

	"github.com/skobkin/meshbot/internal/domain"
)

// CheckSelfAddressed rejects a message whose destination is its own source or
// any node attached to this process. An empty destination is a broadcast and
// always passes. Ids must already be canonical.
func CheckSelfAddressed(source, destination string, localNodeIDs []string) error {
	if destination == "" {
		return nil
	}
	if destination == source {
		return fmt.Errorf("%w: %s", domain.ErrSelfAddressed, destination)
	}
	for _, local := range localNodeIDs {
		if destination == local {
			return fmt.Errorf("%w: %s is a local node", domain.ErrSelfAddressed, destination)
		}
	}

	return nil
}
