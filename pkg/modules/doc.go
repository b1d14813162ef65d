/*
Package modules implements the broker's in-process module host: the
per-module record, the host collection, the plugin loader, the worker
runtime shim, and the disconnect tracker.

A module is a pluggable service image loaded into the broker process.
Each module gets an isolated worker goroutine with its own message
endpoint bridged to the broker's reactor; every message between the
broker and the module passes through the record, which stamps routing
identifiers and credentials on the way past.

# Architecture

	┌───────────────────── MODULE HOST ────────────────────────┐
	│                                                           │
	│  Host                                                     │
	│   ├─ byPath / byName / byUUID lookup tables               │
	│   ├─ topic-prefix event fan-out                           │
	│   └─ status-change notifications                          │
	│                                                           │
	│  Module record (one per loaded module)                    │
	│   ├─ plugin image + resolved entry point                  │
	│   ├─ broker side of the endpoint + reactor watcher        │
	│   ├─ credential defaults (instance owner, OWNER|LOCAL)    │
	│   ├─ subscription list (topic prefixes)                   │
	│   ├─ pending insmod slot / rmmod queue                    │
	│   └─ disconnect tracker                                   │
	│                                                           │
	│  Worker shim (module goroutine)                           │
	│   ├─ opens handle on module side of the endpoint          │
	│   ├─ primes attr cache, clones config, builtin services   │
	│   ├─ invokes the plugin entry point                       │
	│   └─ FINALIZING barrier → drain → EXITED publish          │
	└───────────────────────────────────────────────────────────┘

# Lifecycle

A module moves through INIT → RUNNING → FINALIZING → EXITED. The
integer tags (1, 2, 4, 8) cross the wire in broker.module-status
payloads. Transitions into INIT and out of EXITED are forbidden and
panic. Every transition fires the registered status callback with the
previous status.

The FINALIZING barrier is the core ordering guarantee of shutdown:
the worker synchronously RPCs broker.module-status and waits for the
reply before draining leftover requests and closing its handle. The
broker mutes the record before replying, promising to deliver no
further traffic into the endpoint the worker is about to close.

Destroy joins the worker and, if the record never reached EXITED,
forces that transition so the broker's status callback removes the
module's service names before anything else drops references to the
record. This ordering is a correctness requirement, not a cleanup
nicety: without it, disconnect requests sent while destroying other
modules could still resolve this module's services.

# Usage

Loading and starting a module:

	host := modules.NewHost(modules.HostOptions{...})
	host.SetStatusCb(onStatusChange)
	m, err := host.Load("", "/usr/lib/burrow/heartbeat.so", nil)
	if err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}

Statically linked modules register a builtin image instead of
shipping a shared object:

	modules.RegisterBuiltin("builtin/heartbeat", heartbeatMain, "")

# See Also

  - pkg/broker for the routing built on top of the host
  - pkg/handle for the connection the worker shim opens
*/
package modules
