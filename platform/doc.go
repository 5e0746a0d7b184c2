// Package platform defines the capability contract shared by every
// host-primitive provider: typed handles, the four capability
// interfaces, and the portable error taxonomy.
//
// Features:
//   - Memory: anonymous and file-backed mappings, flush, page pinning
//   - IPC: named pipes and named shared memory regions
//   - Network: Berkeley-style sockets with explicit would-block results
//   - Sync: cross-process mutexes and counted semaphores
//
// Providers translate these operations into native calls. Callers hold
// only typed handles; raw native error codes never cross the contract.
package platform
