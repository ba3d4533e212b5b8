package phys

import (
	"encoding/binary"
	"errors"
)

// A Storage keeps the data of the guest system.
//
// The storage manages its backing memory in fixed-size units. Units that
// have never been touched by a write are not allocated, so a sparse
// guest address space stays cheap to model.
type Storage struct {
	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage object with the specified capacity in
// bytes.
func NewStorage(capacity uint64) *Storage {
	return &Storage{
		unitSize: 4096,
		capacity: capacity,
		data:     make(map[uint64][]byte),
	}
}

// Capacity returns the size of the storage in bytes.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) createOrGetUnit(addr uint64) ([]byte, error) {
	if addr >= s.capacity {
		return nil, errors.New("accessing physical address beyond the storage capacity")
	}

	baseAddr, _ := s.parseAddress(addr)
	unit, ok := s.data[baseAddr]
	if !ok {
		unit = make([]byte, s.unitSize)
		s.data[baseAddr] = unit
	}

	return unit, nil
}

func (s *Storage) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % s.unitSize
	baseAddr = addr - inUnitAddr
	return
}

// Read returns n bytes starting at the given address.
func (s *Storage) Read(addr, n uint64) ([]byte, error) {
	res := make([]byte, n)
	if err := s.ReadInto(addr, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ReadInto fills buf with the bytes starting at the given address,
// crossing unit boundaries as needed.
func (s *Storage) ReadInto(addr uint64, buf []byte) error {
	currAddr := addr
	offset := uint64(0)

	for offset < uint64(len(buf)) {
		unit, err := s.createOrGetUnit(currAddr)
		if err != nil {
			return err
		}

		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenLeftInUnit := baseAddr + s.unitSize - currAddr
		lenToRead := uint64(len(buf)) - offset
		if lenToRead > lenLeftInUnit {
			lenToRead = lenLeftInUnit
		}

		copy(buf[offset:offset+lenToRead],
			unit[inUnitAddr:inUnitAddr+lenToRead])
		offset += lenToRead
		currAddr += lenToRead
	}

	return nil
}

// Write stores data starting at the given address, crossing unit
// boundaries as needed.
func (s *Storage) Write(addr uint64, data []byte) error {
	currAddr := addr
	offset := uint64(0)

	for offset < uint64(len(data)) {
		unit, err := s.createOrGetUnit(currAddr)
		if err != nil {
			return err
		}

		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenLeftInUnit := baseAddr + s.unitSize - currAddr
		lenToWrite := uint64(len(data)) - offset
		if lenToWrite > lenLeftInUnit {
			lenToWrite = lenLeftInUnit
		}

		copy(unit[inUnitAddr:inUnitAddr+lenToWrite],
			data[offset:offset+lenToWrite])
		offset += lenToWrite
		currAddr += lenToWrite
	}

	return nil
}

// ReadU8 reads one byte at the given address.
func (s *Storage) ReadU8(addr uint64) (uint8, error) {
	var buf [1]byte
	if err := s.ReadInto(addr, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadU16 reads a little-endian 16-bit value at the given address.
func (s *Storage) ReadU16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := s.ReadInto(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadU32 reads a little-endian 32-bit value at the given address.
func (s *Storage) ReadU32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := s.ReadInto(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadU64 reads a little-endian 64-bit value at the given address.
func (s *Storage) ReadU64(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := s.ReadInto(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteU8 writes one byte at the given address.
func (s *Storage) WriteU8(addr uint64, v uint8) error {
	return s.Write(addr, []byte{v})
}

// WriteU16 writes a little-endian 16-bit value at the given address.
func (s *Storage) WriteU16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return s.Write(addr, buf[:])
}

// WriteU32 writes a little-endian 32-bit value at the given address.
func (s *Storage) WriteU32(addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return s.Write(addr, buf[:])
}

// WriteU64 writes a little-endian 64-bit value at the given address.
func (s *Storage) WriteU64(addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return s.Write(addr, buf[:])
}
