// Package engine reconciles edited dataflow graphs against live execution
// environments.
//
// # Overview
//
// The editor hands the engine flattened snapshots of blocks, connections and
// affinity zones. A single worker goroutine turns each submission into the
// minimal set of remote operations needed to keep the running topology equal to
// the design:
//
//  1. Environments - attach, probe and classify failures (EnvironmentHandle)
//  2. Thread pools - build one pool per zone in its environment (ThreadPoolHandle)
//  3. Blocks - construct, rebuild or re-apply setters (BlockEvaluator)
//  4. Topology - disconnect removed edges, connect added ones, commit (TopologyReconciler)
//  5. Status - push per-block and per-zone records to the StatusSink
//
// Re-running a cycle with no new submission issues no construct, call, connect,
// disconnect, commit or release operations.
//
// # Critical changes
//
// A property listed in the block's constructor args, or in the args of an
// initializer call, is critical. Changing its expression, or any constant it
// reaches through the constant reference graph, destroys and rebuilds the
// instance. Every other edit re-issues only the setters whose arguments changed.
//
// # Error masking
//
// Errors are reported with a fixed priority: environment, topology, block,
// property. When an environment fails, every block bound to it reports exactly
// one block-level error carrying the environment's message.
//
// # Threading
//
// Engine methods may be called from any goroutine. Submissions are queued and
// processed in order, never dropped. ExportMarkup, DumpTopologyJSON and
// DumpStatsJSON block until the worker answers. A HeartbeatMonitor declares a
// lock-up when the worker stops finishing work, logging the ActionTracker stack.
// Its tick also re-runs the cycle while no submission is queued, so a peer that
// dies while the design is idle is still noticed.
//
// # Usage
//
//	eng, err := engine.New(engine.Options{
//	    Provider: remote.NewProvider(remote.ProviderOptions{}),
//	    Sink:     sink,
//	    Logger:   log.Logger,
//	})
//	if err != nil {
//	    return err
//	}
//	eng.Start(ctx)
//	defer eng.Close()
//
//	_ = eng.SubmitZones(zones)
//	_ = eng.SubmitTopology(blocks, connections)
package engine
