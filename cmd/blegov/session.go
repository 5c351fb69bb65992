package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/manager"
	"github.com/srg/blegov/internal/transport"
	"github.com/srg/blegov/internal/transport/goble"
	"github.com/srg/blegov/internal/transport/sim"
	"github.com/srg/blegov/pkg/config"
)

// session is a started manager over the transport selected by the global flags.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	manager *manager.Manager
}

func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return nil, err
	}
	tr, err := newTransport(ctx, cmd, logger)
	if err != nil {
		return nil, err
	}

	m := manager.New(cfg.ManagerOptions(), logger)
	if err := m.RegisterTransport(tr); err != nil {
		tr.Dispose()
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, manager: m}, nil
}

// Close stops the manager and disposes every governor and the transport.
func (s *session) Close() {
	s.manager.Close()
}

func newTransport(ctx context.Context, cmd *cobra.Command, logger *logrus.Logger) (transport.Transport, error) {
	name, _ := cmd.Flags().GetString("transport")
	switch name {
	case sim.DefaultProtocol:
		profile := sim.DefaultProfile()
		if path, _ := cmd.Flags().GetString("profile"); path != "" {
			var err error
			if profile, err = sim.LoadProfile(path); err != nil {
				return nil, err
			}
		}
		t := sim.NewFromProfile(sim.DefaultProtocol, profile, logger)
		if every, _ := cmd.Flags().GetDuration("animate"); every > 0 {
			t.Animate(ctx, every, 1)
		}
		return t, nil
	case goble.DefaultProtocol:
		return goble.New(goble.Options{}, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (must be %s or %s)", name, sim.DefaultProtocol, goble.DefaultProtocol)
	}
}

// parseURL accepts a full URL or a bare "adapter/device/..." path.
func parseURL(s string) (address.URL, error) {
	u, err := address.Parse(s)
	if err == nil {
		return u, nil
	}
	if bare, bareErr := address.Parse("/" + s); bareErr == nil {
		return bare, nil
	}
	return address.URL{}, err
}
