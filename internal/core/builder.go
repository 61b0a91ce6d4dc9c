package core

import (
	"sockbridge/config"
	"sockbridge/internal/capability"
	"sockbridge/internal/transport"
	"sockbridge/util"
)

// Build constructs the Mode for cfg: BridgeMode with --serve, RelayMode
// otherwise.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	provider := BuildProvider(cfg, logger)
	if cfg.Serve != "" {
		return &BridgeMode{
			Config:           cfg,
			Provider:         provider,
			Logger:           logger,
			Backoff:          newBackoff(cfg.ConnectAttempts, logger),
			ReconnectBackoff: newBackoff(cfg.MaxReconnectAttempts, logger),
			Breaker:          newBreaker(logger),
		}, nil
	}
	return &RelayMode{
		Config:     cfg,
		Provider:   provider,
		Capability: buildCapability(cfg),
		Backoff:    newBackoff(cfg.ConnectAttempts, logger),
		Logger:     logger,
	}, nil
}

// BuildProvider registers a provider for every transport kind, set up
// from cfg.  The ssh kind is only available with a gateway.
func BuildProvider(cfg *config.Config, logger *util.Logger) transport.Mux {
	mux := transport.Mux{
		transport.KindTCP:    &transport.NetProvider{Timeout: cfg.Timeout, LocalPort: cfg.LocalPort},
		transport.KindSerial: &transport.SerialProvider{BaudRate: cfg.BaudRate},
		transport.KindRFCOMM: &transport.BlueZProvider{Adapter: cfg.Adapter, Logger: logger},
		transport.KindPipe:   &transport.PipeProvider{Serve: transport.Echo},
	}
	if cfg.TunnelHost != "" {
		mux[transport.KindSSH] = transport.NewSSHProvider(&transport.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   cfg.Timeout,
		}, logger)
	}
	return mux
}

// buildCapability selects what runs over a relayed session.
func buildCapability(cfg *config.Config) capability.Capability {
	if cfg.Execute != "" || cfg.Command != "" {
		return &capability.Exec{
			Program: cfg.Execute,
			Command: cfg.Command,
		}
	}
	return &capability.Relay{Linger: cfg.Linger}
}
