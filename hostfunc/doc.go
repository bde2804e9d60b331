// Package hostfunc implements the host side of the proxy-wasm style ABI a
// filter module is driven through.
//
// # Overview
//
// Guests import everything from one "env" module, registered per runtime
// with [Instantiate]. Each host function reads its per-instance [State]
// from the call context (see [WithState]), so a single env module serves
// any number of concurrent single-use instances.
//
// The state exposes four header maps ([MapType]), the request and response
// body buffers plus two read-only configuration buffers ([BufferType]), the
// property resolver, and the captured guest log.
//
// # Wire format
//
// Header maps cross the boundary in a fixed little-endian layout (a pair
// count, a size table, then NUL-terminated key/value bytes in table order),
// implemented by [EncodeHeaderMap] and [DecodeHeaderMap].
//
// Host functions returning variable-size data take the address of an 8-byte
// slot in guest memory. The host allocates the payload (through the guest's
// exported allocator when present, else a page-grown bump region managed by
// [Memory]), then writes the payload pointer and length into the slot.
//
// # Errors
//
// Host functions never trap the guest: bad selectors return
// [StatusBadArgument], out-of-range memory [StatusInvalidMemoryAccess],
// absent keys or properties [StatusNotFound]. The out-of-scope parts of the
// import surface (callouts, shared data, metrics, gRPC) are registered as
// [StatusUnimplemented] stubs so SDK-built filters still instantiate.
package hostfunc
