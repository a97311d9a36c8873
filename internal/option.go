package internal

import (
	"io"
	"os"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config     *Config
	configPath string
	output     io.Writer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithConfigPath names the file the config was loaded from. When set, the
// server watches it and applies log level changes without a restart.
func WithConfigPath(path string) Option {
	return func(a *application) {
		a.configPath = path
	}
}

// WithOutput redirects logs, which default to stdout. The MCP command logs
// to stderr because stdout carries the protocol.
func WithOutput(w io.Writer) Option {
	return func(a *application) {
		a.output = w
	}
}

func newApplication(opts []Option) *application {
	app := &application{output: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	return app
}
