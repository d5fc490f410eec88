// Package rplidar speaks the Slamtec RPLIDAR A-series serial protocol: it
// starts the motor, checks device health and decodes the standard scan
// stream into whole rotations.
package rplidar

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	syncByte  = 0xA5
	syncByte2 = 0x5A

	cmdStop      = 0x25
	cmdReset     = 0x40
	cmdScan      = 0x20
	cmdGetInfo   = 0x50
	cmdGetHealth = 0x52
	cmdSetPWM    = 0xF0

	descriptorLen = 7

	infoLen    = 20
	infoType   = 0x04
	healthLen  = 3
	healthType = 0x06
	scanLen    = 5
	scanType   = 0x81
)

var (
	// ErrBadDescriptor is returned when a response descriptor is malformed or
	// does not match the request.
	ErrBadDescriptor = errors.New("rplidar: unexpected response descriptor")

	// ErrScanFlags is returned when a node's start flag and inverted start
	// flag agree.
	ErrScanFlags = errors.New("rplidar: new scan flags mismatch")

	// ErrCheckBit is returned when a node's check bit is not set.
	ErrCheckBit = errors.New("rplidar: check bit not equal to 1")

	// ErrTimeout is returned when the device stops sending mid-response.
	ErrTimeout = errors.New("rplidar: read timed out")

	// ErrDeviceError is returned when the device reports an error health status.
	ErrDeviceError = errors.New("rplidar: device reports error state")
)

// HealthStatus is the device self-test verdict.
type HealthStatus uint8

const (
	HealthGood HealthStatus = iota
	HealthWarning
	HealthError
)

func (s HealthStatus) String() string {
	switch s {
	case HealthGood:
		return "Good"
	case HealthWarning:
		return "Warning"
	case HealthError:
		return "Error"
	default:
		return fmt.Sprintf("HealthStatus(%d)", uint8(s))
	}
}

// Health is the GET_HEALTH response.
type Health struct {
	Status    HealthStatus
	ErrorCode uint16
}

// Info is the GET_INFO response.
type Info struct {
	Model         uint8
	FirmwareMajor uint8
	FirmwareMinor uint8
	Hardware      uint8
	SerialNumber  string
}

func (i Info) String() string {
	return fmt.Sprintf("model %d firmware %d.%02d hardware %d serial %s",
		i.Model, i.FirmwareMajor, i.FirmwareMinor, i.Hardware, i.SerialNumber)
}

// Measurement is one decoded scan node.
type Measurement struct {
	NewScan    bool
	Quality    uint8
	AngleDeg   float64
	DistanceMM float64
}

// request builds a command frame. Commands with a payload carry a length
// byte and a trailing XOR checksum over the whole frame.
func request(cmd byte, payload []byte) []byte {
	if len(payload) == 0 {
		return []byte{syncByte, cmd}
	}
	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, syncByte, cmd, byte(len(payload)))
	frame = append(frame, payload...)
	var checksum byte
	for _, b := range frame {
		checksum ^= b
	}
	return append(frame, checksum)
}

type descriptor struct {
	size     int
	single   bool
	dataType byte
}

func parseDescriptor(raw []byte) (descriptor, error) {
	if len(raw) != descriptorLen || raw[0] != syncByte || raw[1] != syncByte2 {
		return descriptor{}, fmt.Errorf("%w: % x", ErrBadDescriptor, raw)
	}
	// Length is 30 bits little endian; the top two bits of byte 5 are the
	// send mode (0 = single response, 1 = multiple).
	size := binary.LittleEndian.Uint32(raw[2:6]) & 0x3FFFFFFF
	return descriptor{
		size:     int(size),
		single:   raw[5]>>6 == 0,
		dataType: raw[6],
	}, nil
}

func (d descriptor) expect(size int, single bool, dataType byte) error {
	if d.size != size || d.single != single || d.dataType != dataType {
		return fmt.Errorf("%w: size=%d single=%v type=%#x, want size=%d single=%v type=%#x",
			ErrBadDescriptor, d.size, d.single, d.dataType, size, single, dataType)
	}
	return nil
}

func decodeHealth(raw []byte) Health {
	return Health{
		Status:    HealthStatus(raw[0]),
		ErrorCode: uint16(raw[1])<<8 | uint16(raw[2]),
	}
}

func decodeInfo(raw []byte) Info {
	return Info{
		Model:         raw[0],
		FirmwareMinor: raw[1],
		FirmwareMajor: raw[2],
		Hardware:      raw[3],
		SerialNumber:  fmt.Sprintf("%X", raw[4:20]),
	}
}

// decodeMeasurement unpacks a 5-byte scan node:
//
//	byte 0: quality(6) | !S | S
//	byte 1: angle_q6[6:0] | C
//	byte 2: angle_q6[14:7]
//	byte 3-4: distance_q2 little endian
func decodeMeasurement(raw []byte) (Measurement, error) {
	newScan := raw[0]&0x1 == 1
	inverted := (raw[0]>>1)&0x1 == 1
	if newScan == inverted {
		return Measurement{}, ErrScanFlags
	}
	if raw[1]&0x1 != 1 {
		return Measurement{}, ErrCheckBit
	}
	angleQ6 := uint16(raw[1])>>1 | uint16(raw[2])<<7
	distanceQ2 := binary.LittleEndian.Uint16(raw[3:5])
	return Measurement{
		NewScan:    newScan,
		Quality:    raw[0] >> 2,
		AngleDeg:   float64(angleQ6) / 64,
		DistanceMM: float64(distanceQ2) / 4,
	}, nil
}
