package common

import "io"

// A Context is the root handle passed into every long-lived TLog
// object: the shared process, each log-data instance, each background
// loop. It bundles process-wide data (Env), configuration, a logger,
// and a Control used to build the cascading shutdown tree.
type Context interface {
	io.Closer

	Env() Env
	Config() Config
	Logger() Logger
	Control() Control

	// Sub derives a child context: closing the parent closes every
	// child, the env and config are shared, and the logger is
	// prefixed with name.
	Sub(name string) Context
}

type ctx struct {
	config  Config
	logger  Logger
	env     Env
	control Control
}

func NewContext(config Config) Context {
	return &ctx{
		config:  config,
		logger:  NewStandardLogger(config),
		env:     NewEnv(),
		control: NewControl(nil),
	}
}

func (c *ctx) Close() error {
	return c.control.Close()
}

func (c *ctx) Env() Env {
	return c.env
}

func (c *ctx) Config() Config {
	return c.config
}

func (c *ctx) Logger() Logger {
	return c.logger
}

func (c *ctx) Control() Control {
	return c.control
}

func (c *ctx) Sub(name string) Context {
	return &ctx{
		config:  c.config,
		logger:  NewFormattedLogger(c.logger, name),
		env:     c.env,
		control: c.control.Sub(),
	}
}
