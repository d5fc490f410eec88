package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/lidarcast/internal/scan"
)

// Packet is one published snapshot.
type Packet struct {
	ID        uint64  `json:"id"`
	Timestamp int64   `json:"t"` // milliseconds since the Unix epoch
	Points    []Point `json:"p"`
}

// New quantizes s into a packet stamped with at.
func New(id uint64, at time.Time, s scan.Scan) Packet {
	return Packet{
		ID:        id,
		Timestamp: at.UnixMilli(),
		Points:    Quantize(s),
	}
}

// MarshalJSON encodes p as {"id":N,"t":MS,"p":[[a,d],...]}. An empty point
// list encodes as [], never null.
func (p Packet) MarshalJSON() ([]byte, error) {
	type plain Packet
	if p.Points == nil {
		p.Points = []Point{}
	}
	return json.Marshal(plain(p))
}

// Encode serializes p as compact JSON.
func Encode(p Packet) ([]byte, error) {
	return json.Marshal(p)
}

// ErrMalformed is wrapped by every Decode failure.
var ErrMalformed = errors.New("malformed packet")

// wirePacket uses pointers so Decode can tell a missing field from a zero one.
type wirePacket struct {
	ID        *uint64      `json:"id"`
	Timestamp *int64       `json:"t"`
	Points    *[][]float64 `json:"p"`
}

// Decode parses a packet produced by Encode. It rejects unknown or missing
// fields, points that are not pairs, and codes that are not integers in
// [0, MaxCode].
func Decode(data []byte) (Packet, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wirePacket
	if err := dec.Decode(&w); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Packet{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	if w.ID == nil || w.Timestamp == nil || w.Points == nil {
		return Packet{}, fmt.Errorf("%w: missing field", ErrMalformed)
	}

	points := make([]Point, len(*w.Points))
	for i, raw := range *w.Points {
		if len(raw) != 2 {
			return Packet{}, fmt.Errorf("%w: point %d has %d values", ErrMalformed, i, len(raw))
		}
		for j, v := range raw {
			if v < 0 || v > MaxCode || v != math.Trunc(v) {
				return Packet{}, fmt.Errorf("%w: point %d code %v out of range", ErrMalformed, i, v)
			}
			points[i][j] = uint16(v)
		}
	}

	return Packet{ID: *w.ID, Timestamp: *w.Timestamp, Points: points}, nil
}
