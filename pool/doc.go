// Package pool implements the pooled buffer allocator: GPU buffers for
// vertex and index data, kept on free-lists keyed by power-of-two capacity
// class so steady-state frames allocate nothing.
//
// Buffers handed back while the GPU may still read them go through
// ReleaseAfter and are recycled by Collect once the submission completes.
package pool
