// Package storage is the adapter-facing operation surface of the kiln
// engine. It translates the generic job-storage vocabulary - create a job,
// transition its state, read and write the auxiliary hash/list/set/counter
// structures, announce servers, enqueue and fetch - into operations
// submitted through the engine's dispatcher, and layers the payload codec
// and the lock manager on top.
//
// All methods are safe for concurrent use. Reads return copies; nothing
// handed out aliases the engine's internal state.
package storage
