// Package harness composes the process-level pieces of the firmware
// update test harness: the daemon controller that brings the service
// under test up with clean-slate guarantees, the scenario controller
// that scopes upstream overrides to a test, and the client pool that
// simulates independent registrant identities from separate OS
// processes.
//
// A test scenario typically starts the daemon, optionally redirects its
// upstream, drives register/query/unregister traffic through the pool,
// and tears everything down through a single TearDown call.
package harness
