package eventmirror

import (
	"fmt"
	"strings"

	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/internal/config"
)

// Provide builds the configured bus implementation. An empty URL selects the
// in-memory bus, which keeps the mirror observable in tests and single-binary
// runs without any external broker.
func Provide(cfg config.EventsConfig, log *logger.Logger) (Bus, func() error, error) {
	if strings.TrimSpace(cfg.URL) != "" {
		natsBus, err := NewNATSBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return natsBus, cleanup, nil
	}

	memBus := NewMemoryBus(log)
	return memBus, func() error {
		memBus.Close()
		return nil
	}, nil
}
