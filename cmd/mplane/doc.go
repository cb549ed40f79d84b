// Copyright (c) Measurement Plane Authors.
// Licensed under the MIT License.

/*
Command mplane runs measurement plane agents and clients over NATS.

# Commands

  - agent: advertise the built-in capabilities (region_time, tcp_latency,
    result_store) on an endpoint and run the measurements dispatched to
    it. Serves /health and /metrics on server.http_port.
  - discover: collect advertisements for a while and print them.
  - measure: run one measurement against a discovered capability, printing
    each result value as a JSON line, and interrupt it after --duration
    or on SIGINT.
  - migrate: apply, roll back or inspect the SQL result store schema
    (up, down [--all], goto, force, version, status). The store also
    applies pending migrations on open unless database.auto_migrate is
    false.
  - version, health, help.

Configuration is loaded from defaults, an optional YAML file (--config) and
MPLANE_* environment variables; BROKER_URL and ENDPOINT are honoured too.
--broker and --endpoint override everything else. A running agent watches
its --config file and applies log.level changes without restarting.
*/
package main
