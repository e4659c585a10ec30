// Package engine runs the monitor: the periodic subsystems and the log
// event boundary around one state store and one issue registry.
//
// Subsystems, each in its own goroutine under one errgroup:
//   - contract tick: contract.Engine.Run (default 2s)
//   - verification tick: detect.StateVerifier (default 1s)
//   - anomaly tick: detect.AnomalyDetector (default 5s)
//   - autosave tick: state.Store.Save (default 30s)
//   - log loop: single consumer of the Ingest FIFO into detect.LogAnalyzer
//   - policy watcher: optional CUE hot reload
//
// A subsystem's ticks never overlap with each other: a tick that runs long
// delays the next one. Errors inside a tick are logged and contained; only
// setup failures end Run. When Run returns the state is saved once more.
package engine
