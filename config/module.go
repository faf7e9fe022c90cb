package config

import "go.uber.org/fx"

// Module provides *Config loaded from $COPYBOT_CONFIG.
func Module() fx.Option {
	return fx.Module("config",
		fx.Provide(func() (*Config, error) {
			return Load("")
		}),
	)
}
