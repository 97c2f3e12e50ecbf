// Package config loads livegraph configuration.
//
// # Engine configuration
//
// The engine configuration is a YAML file validated with struct tags:
//
//	engine:
//	  heartbeat_interval: 1s
//	  lockup_threshold: 10s
//	  overlay_expiry: 5s
//	remote:
//	  call_timeout: 30s
//	  ssh:
//	    private_key_path: ~/.ssh/id_ed25519
//	store:
//	  path: livegraph.db
//	zones_file: zones.cue
//	watch_zones: true
//
// Missing keys keep the values of Default. Unknown keys are rejected.
//
// # Zone configuration
//
// Zones map an affinity-zone name to the process hosting it and the thread
// pool built there. A zone file is validated against ZoneSchema and may be
// written in CUE, JSON or YAML:
//
//	worker1: {
//	    processName: "audio-worker"
//	    hostUri:     "tcp://studio-2:17653"
//	    threadCount: 4
//	    yieldMode:   "hybrid"
//	}
//
// or generated by a Starlark script that defines a global "zones" dict, with a
// zone() helper building the entries:
//
//	zones = {"worker%d" % i: zone(process = "w%d" % i, threads = 2) for i in range(4)}
//
// Errors carry file, line and the zone path where CUE provides them.
//
// ZoneWatcher follows a zone file and submits every valid revision to the engine.
package config
