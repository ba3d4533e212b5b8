// Package phys provides the physical-memory capability consumed by the
// page walker and the bulk transfer engine. Physical memory is flat and
// byte addressable; no translation or caching happens at this layer.
package phys

// Memory is the capability surface of a physical memory backing store.
// The default implementation is Storage. Tests and device models can
// substitute their own.
type Memory interface {
	// Read returns n bytes starting at the given physical address.
	Read(addr, n uint64) ([]byte, error)

	// ReadInto fills buf with the bytes starting at the given physical
	// address. It is the allocation-free variant of Read.
	ReadInto(addr uint64, buf []byte) error

	// Write stores data starting at the given physical address.
	Write(addr uint64, data []byte) error

	ReadU8(addr uint64) (uint8, error)
	ReadU16(addr uint64) (uint16, error)
	ReadU32(addr uint64) (uint32, error)
	ReadU64(addr uint64) (uint64, error)

	WriteU8(addr uint64, v uint8) error
	WriteU16(addr uint64, v uint16) error
	WriteU32(addr uint64, v uint32) error
	WriteU64(addr uint64, v uint64) error
}
