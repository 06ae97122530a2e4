package gateway

import (
	"fmt"
	"time"

	"github.com/aristath/routeloop/internal/backend"
	"github.com/aristath/routeloop/internal/config"
	"github.com/aristath/routeloop/internal/router"
)

// mockDelay keeps dry runs visible in the live view without slowing tests much.
const mockDelay = 150 * time.Millisecond

// FromConfig builds the gateway described by cfg. In mock mode every
// capability is served in-process.
func FromConfig(cfg *config.Config, pm *backend.ProcessManager, opts Options) (*Gateway, error) {
	backends := make(map[router.Capability]backend.Backend, len(router.Capabilities()))
	timeouts := make(map[router.Capability]time.Duration)

	for _, c := range router.Capabilities() {
		if cfg.Mock {
			backends[c] = backend.NewMock(string(c), cfg.CompletionMarker, mockDelay)
			continue
		}
		cc, ok := cfg.Capability(c)
		if !ok {
			return nil, fmt.Errorf("capability %s is not configured", c)
		}
		b, err := backend.New(backend.Spec{
			Name:    string(c),
			Command: cc.Command,
			Args:    cc.Args,
			Output:  cc.Output,
			Stdin:   cc.Stdin,
		}, pm)
		if err != nil {
			return nil, err
		}
		backends[c] = b
		if cc.Timeout > 0 {
			timeouts[c] = cc.Timeout.Duration()
		}
	}

	opts.Backends = backends
	opts.Timeouts = timeouts
	opts.Retry = cfg.Retry
	opts.Breaker = cfg.Breaker
	opts.Gateway = cfg.Gateway
	return New(opts), nil
}
