// Package policy decides whether a host daemon may spawn a peer process.
//
// Spawn requests are evaluated against Rego policies with Open Policy Agent.
// Every policy contributes a `deny` set; a request is refused when any enabled
// policy of severity error or critical yields a violation. Two built-in
// policies ship with the package:
//
//   - process-naming: process names are short identifiers and "gui" is reserved
//     for the front-end environment.
//   - peer-limit: a daemon refuses new process names once it runs max_peers peers.
//
// Additional policies are loaded from .rego or .json files and can be watched
// for changes:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/livegraph/policies"}); err != nil {
//	    return err
//	}
//	decision, err := eng.Evaluate(ctx, &policy.SpawnInput{
//	    Request: policy.SpawnRequest{ProcessName: "worker1", Remote: "10.0.0.4:51234"},
//	    Daemon:  policy.DaemonState{MaxPeers: 8, Running: []string{"worker0"}},
//	})
//
// Input documents have the shape of SpawnInput: `input.request.process_name`,
// `input.request.remote`, `input.daemon.running`, `input.daemon.max_peers`.
package policy
