/*
Package log provides structured logging for burrow using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Core Components

Global Logger:
  - Zerolog instance initialized via log.Init()
  - Thread-safe for concurrent use
  - JSON output for machines, console output for humans

Child Loggers:
  - WithComponent: broker subsystems (broker, modhost, servhash, ...)
  - WithAppname: module worker threads log under their module name
  - WithModuleUUID: per-connection tracing
  - WithService: dynamic service registrations

# Usage

Initializing at daemon startup:

	import "github.com/cuemby/burrow/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component logger:

	logger := log.WithComponent("modhost")
	logger.Info().Str("name", name).Msg("module loaded")

Module worker logger, named after the module the way the broker
names its own appname:

	logger := log.WithAppname("heartbeat")
	logger.Error().Err(err).Msg("module exiting abnormally")

# Integration Points

This package integrates with:

  - pkg/broker: routing and lifecycle decisions
  - pkg/modules: host, record, and worker shim logging
  - pkg/servhash: registration table sweeps
  - cmd/burrow: daemon startup configuration
*/
package log
