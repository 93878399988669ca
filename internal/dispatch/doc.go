// Package dispatch runs one play against a host list.
//
// A round splits the hosts into a local partition, handed to a
// LocalExecutor as one ordinary ansible-playbook run, and a remote
// partition, where every host gets its own session through its management
// disposable. Remote sessions run concurrently up to the configured number
// of forks.
//
// Failure handling:
//   - A failing or panicking session never cancels or affects the others
//   - A session error becomes a per-host failure; its code is the remote
//     exit code when the error carries one, the failure code otherwise
//   - The round's code is the maximum over every host of both partitions
//   - Run returns only after every session has finished, cleanup included
package dispatch
