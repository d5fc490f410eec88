package rplidar

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/banshee-data/lidarcast/internal/serialport"
)

var (
	healthDescriptor = []byte{0xA5, 0x5A, 0x03, 0x00, 0x00, 0x00, 0x06}
	infoDescriptor   = []byte{0xA5, 0x5A, 0x14, 0x00, 0x00, 0x00, 0x04}
	scanDescriptor   = []byte{0xA5, 0x5A, 0x05, 0x00, 0x00, 0x40, 0x81}
)

// encodeNode is the inverse of decodeMeasurement.
func encodeNode(newScan bool, quality uint8, angleDeg, distanceMM float64) []byte {
	b := make([]byte, 5)
	b[0] = quality << 2
	if newScan {
		b[0] |= 0x1
	} else {
		b[0] |= 0x2
	}
	angleQ6 := uint16(angleDeg * 64)
	b[1] = byte(angleQ6<<1) | 0x1
	b[2] = byte(angleQ6 >> 7)
	binary.LittleEndian.PutUint16(b[3:5], uint16(distanceMM*4))
	return b
}

// rotation encodes n nodes evenly spread over 360 degrees, the first flagged
// as the start of a new scan.
func rotation(n int, distanceMM float64) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(encodeNode(i == 0, 15, float64(i)*360/float64(n), distanceMM))
	}
	return buf.Bytes()
}

// fakeDevice answers protocol requests the way a healthy A1 does. With
// healOnReset set, a RESET clears the configured health status.
type fakeDevice struct {
	health      []byte
	healOnReset bool
	resets      int
}

func (d *fakeDevice) respond(written []byte) []byte {
	if len(written) < 2 || written[0] != syncByte {
		return nil
	}
	switch written[1] {
	case cmdReset:
		d.resets++
		if d.healOnReset {
			d.health = nil
		}
		return nil
	case cmdGetHealth:
		h := d.health
		if h == nil {
			h = []byte{0x00, 0x00, 0x00}
		}
		return append(append([]byte(nil), healthDescriptor...), h...)
	case cmdGetInfo:
		body := []byte{0x18, 0x1D, 0x01, 0x07}
		body = append(body, bytes.Repeat([]byte{0xAB}, 16)...)
		return append(append([]byte(nil), infoDescriptor...), body...)
	case cmdScan:
		return append([]byte(nil), scanDescriptor...)
	}
	return nil
}

func newFakePort(d *fakeDevice) *serialport.TestableSerialPort {
	port := serialport.NewTestableSerialPort()
	port.Respond = d.respond
	return port
}

func TestRequest(t *testing.T) {
	if got := request(cmdStop, nil); !bytes.Equal(got, []byte{0xA5, 0x25}) {
		t.Errorf("STOP request = % x", got)
	}

	// 0xA5 ^ 0xF0 ^ 0x02 ^ 0x94 ^ 0x02 = 0xC1
	want := []byte{0xA5, 0xF0, 0x02, 0x94, 0x02, 0xC1}
	if got := request(cmdSetPWM, []byte{0x94, 0x02}); !bytes.Equal(got, want) {
		t.Errorf("SET_PWM request = % x, want % x", got, want)
	}
}

func TestParseDescriptor(t *testing.T) {
	d, err := parseDescriptor(scanDescriptor)
	if err != nil {
		t.Fatalf("parseDescriptor failed: %v", err)
	}
	if want := (descriptor{size: 5, single: false, dataType: 0x81}); d != want {
		t.Errorf("descriptor = %+v, want %+v", d, want)
	}
	if err := d.expect(scanLen, false, scanType); err != nil {
		t.Errorf("expect scan: %v", err)
	}
	if err := d.expect(healthLen, true, healthType); !errors.Is(err, ErrBadDescriptor) {
		t.Errorf("expect health on a scan descriptor = %v, want ErrBadDescriptor", err)
	}

	if _, err := parseDescriptor([]byte{0xA5, 0x00, 0, 0, 0, 0, 0}); !errors.Is(err, ErrBadDescriptor) {
		t.Errorf("bad second sync byte: got %v", err)
	}
	if _, err := parseDescriptor([]byte{0xA5}); !errors.Is(err, ErrBadDescriptor) {
		t.Errorf("short descriptor: got %v", err)
	}
}

func TestDecodeMeasurement(t *testing.T) {
	m, err := decodeMeasurement(encodeNode(true, 47, 90.0, 1500.0))
	if err != nil {
		t.Fatalf("decodeMeasurement failed: %v", err)
	}
	if want := (Measurement{NewScan: true, Quality: 47, AngleDeg: 90.0, DistanceMM: 1500.0}); m != want {
		t.Errorf("decoded %+v, want %+v", m, want)
	}

	m, err = decodeMeasurement(encodeNode(false, 10, 359.984375, 0.25))
	if err != nil {
		t.Fatalf("decodeMeasurement failed: %v", err)
	}
	if m.NewScan || m.AngleDeg != 359.984375 || m.DistanceMM != 0.25 {
		t.Errorf("decoded %+v", m)
	}
}

func TestDecodeMeasurement_Invalid(t *testing.T) {
	node := encodeNode(true, 1, 10, 10)
	node[0] |= 0x2 // both flags set
	if _, err := decodeMeasurement(node); !errors.Is(err, ErrScanFlags) {
		t.Errorf("both scan flags: got %v, want ErrScanFlags", err)
	}

	node = encodeNode(true, 1, 10, 10)
	node[1] &^= 0x1
	if _, err := decodeMeasurement(node); !errors.Is(err, ErrCheckBit) {
		t.Errorf("cleared check bit: got %v, want ErrCheckBit", err)
	}
}

func TestOpen_StartsMotorAndChecksHealth(t *testing.T) {
	port := newFakePort(&fakeDevice{})
	opener := serialport.NewMockOpener()
	opener.Ports["/dev/ttyUSB0"] = port

	l, err := Open(opener.Open, "/dev/ttyUSB0", serialport.PortOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if l.Path() != "/dev/ttyUSB0" {
		t.Errorf("Path() = %q", l.Path())
	}
	// DTR low enables the motor.
	if port.DTR {
		t.Error("DTR left high")
	}

	written := port.GetWrittenData()
	if !bytes.Contains(written, request(cmdSetPWM, []byte{0x94, 0x02})) {
		t.Error("PWM 660 not sent")
	}
	if !bytes.HasSuffix(written, []byte{0xA5, cmdGetHealth}) {
		t.Errorf("expected a health query last, got % x", written)
	}
}

func TestOpen_Failures(t *testing.T) {
	t.Run("open error", func(t *testing.T) {
		opener := serialport.NewMockOpener()
		opener.Errors["/dev/ttyUSB0"] = errors.New("permission denied")
		_, err := Open(opener.Open, "/dev/ttyUSB0", serialport.PortOptions{})
		if err == nil || err.Error() != "permission denied" {
			t.Errorf("Open error = %v, want permission denied", err)
		}
	})

	t.Run("silent device", func(t *testing.T) {
		port := serialport.NewTestableSerialPort()
		opener := serialport.NewMockOpener()
		opener.Ports["/dev/ttyUSB0"] = port

		if _, err := Open(opener.Open, "/dev/ttyUSB0", serialport.PortOptions{}); !errors.Is(err, ErrTimeout) {
			t.Errorf("Open error = %v, want ErrTimeout", err)
		}
		if !port.IsClosed() {
			t.Error("port left open")
		}
	})

	t.Run("error health", func(t *testing.T) {
		port := newFakePort(&fakeDevice{health: []byte{0x02, 0x01, 0x02}})
		opener := serialport.NewMockOpener()
		opener.Ports["/dev/ttyUSB0"] = port

		_, err := Open(opener.Open, "/dev/ttyUSB0", serialport.PortOptions{})
		if !errors.Is(err, ErrDeviceError) {
			t.Fatalf("Open error = %v, want ErrDeviceError", err)
		}
		if !strings.Contains(err.Error(), "code 258") {
			t.Errorf("error %q does not carry the device code", err)
		}
		if !port.IsClosed() {
			t.Error("port left open")
		}
	})
}

func TestOpen_ResetsDeviceInErrorState(t *testing.T) {
	dev := &fakeDevice{health: []byte{0x02, 0x00, 0x01}, healOnReset: true}
	port := newFakePort(dev)
	opener := serialport.NewMockOpener()
	opener.Ports["/dev/ttyUSB0"] = port

	l, err := Open(opener.Open, "/dev/ttyUSB0", serialport.PortOptions{})
	if err != nil {
		t.Fatalf("Open failed on a device that recovers after reset: %v", err)
	}
	if dev.resets != 1 {
		t.Errorf("expected 1 reset, got %d", dev.resets)
	}
	if port.IsClosed() {
		t.Error("port closed after a successful recovery")
	}
	if port.DTR {
		t.Error("expected motor restarted (DTR low) after reset")
	}

	// The motor is started again after the reset, then health is re-queried.
	written := port.GetWrittenData()
	reset := bytes.Index(written, []byte{syncByte, cmdReset})
	if reset < 0 {
		t.Fatalf("no RESET in written data % x", written)
	}
	after := written[reset:]
	if !bytes.Contains(after, request(cmdSetPWM, []byte{0x94, 0x02})) {
		t.Error("expected PWM 660 after reset")
	}
	if !bytes.HasSuffix(after, []byte{syncByte, cmdGetHealth}) {
		t.Errorf("expected a health query last, got % x", after)
	}

	health, err := l.Health()
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != HealthGood {
		t.Errorf("expected Good health, got %s", health.Status)
	}
}

func TestOpen_ErrorStateSurvivingResetFails(t *testing.T) {
	dev := &fakeDevice{health: []byte{0x02, 0x00, 0x07}}
	port := newFakePort(dev)
	opener := serialport.NewMockOpener()
	opener.Ports["COM7"] = port

	_, err := Open(opener.Open, "COM7", serialport.PortOptions{})
	if !errors.Is(err, ErrDeviceError) {
		t.Fatalf("expected ErrDeviceError, got %v", err)
	}
	if dev.resets != 1 {
		t.Errorf("expected exactly 1 reset attempt, got %d", dev.resets)
	}
	if !port.IsClosed() {
		t.Error("expected port closed")
	}
}

func TestInfoAndHealth(t *testing.T) {
	l := New(newFakePort(&fakeDevice{health: []byte{0x01, 0x00, 0x05}}))

	info, err := l.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Model != 0x18 || info.FirmwareMajor != 1 || info.FirmwareMinor != 0x1D || info.Hardware != 7 {
		t.Errorf("unexpected info %+v", info)
	}
	if len(info.SerialNumber) != 32 {
		t.Errorf("serial %q has %d chars, want 32", info.SerialNumber, len(info.SerialNumber))
	}
	if !strings.Contains(info.String(), "firmware 1.29") {
		t.Errorf("String() = %q", info.String())
	}

	health, err := l.Health()
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if want := (Health{Status: HealthWarning, ErrorCode: 5}); health != want {
		t.Errorf("Health() = %+v, want %+v", health, want)
	}
	if got := health.Status.String(); got != "Warning" {
		t.Errorf("status string = %q", got)
	}
	if got := HealthStatus(9).String(); got != "HealthStatus(9)" {
		t.Errorf("unknown status string = %q", got)
	}
}

func TestNextScan_YieldsWholeRotations(t *testing.T) {
	port := serialport.NewTestableSerialPort()
	l := New(port)

	// A partial rotation before the first start flag is discarded because it
	// is too short; then two full rotations follow and a third start flag
	// closes the second one.
	var stream bytes.Buffer
	stream.Write(encodeNode(false, 10, 350, 100))
	stream.Write(rotation(8, 1000))
	stream.Write(rotation(10, 2000))
	stream.Write(encodeNode(true, 10, 0, 3000))

	port.Respond = func(written []byte) []byte {
		if len(written) == 2 && written[1] == cmdScan {
			return append(append([]byte(nil), scanDescriptor...), stream.Bytes()...)
		}
		return nil
	}

	first, err := l.NextScan()
	if err != nil {
		t.Fatalf("first NextScan failed: %v", err)
	}
	if len(first) != 8 {
		t.Fatalf("first rotation has %d nodes, want 8", len(first))
	}
	if !first[0].NewScan || first[0].DistanceMM != 1000 {
		t.Errorf("first node = %+v", first[0])
	}

	second, err := l.NextScan()
	if err != nil {
		t.Fatalf("second NextScan failed: %v", err)
	}
	if len(second) != 10 {
		t.Fatalf("second rotation has %d nodes, want 10", len(second))
	}
	if second[9].DistanceMM != 2000 {
		t.Errorf("last node = %+v", second[9])
	}

	// Stream exhausted mid-rotation.
	if _, err := l.NextScan(); !errors.Is(err, ErrTimeout) {
		t.Errorf("NextScan on exhausted stream = %v, want ErrTimeout", err)
	}
}

func TestNextScan_DropsZeroDistanceAndShortRotations(t *testing.T) {
	port := serialport.NewTestableSerialPort()
	l := New(port)

	var stream bytes.Buffer
	stream.Write(scanDescriptor)
	// Rotation of 7 nodes where 3 have no return: only 4 survive, which is
	// not more than MinScanLen, so it is dropped.
	for i := 0; i < 7; i++ {
		dist := 500.0
		if i%2 == 1 {
			dist = 0
		}
		stream.Write(encodeNode(i == 0, 10, float64(i*40), dist))
	}
	stream.Write(rotation(6, 700))
	stream.Write(encodeNode(true, 10, 0, 700))
	port.AddReadData(stream.Bytes())

	got, err := l.NextScan()
	if err != nil {
		t.Fatalf("NextScan failed: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("got %d nodes, want 6", len(got))
	}
	for i, m := range got {
		if m.DistanceMM != 700 {
			t.Errorf("node %d distance = %v, want 700", i, m.DistanceMM)
		}
	}
}

func TestNextScan_BadDescriptor(t *testing.T) {
	port := serialport.NewTestableSerialPort()
	port.AddReadData(healthDescriptor)
	l := New(port)

	if _, err := l.NextScan(); !errors.Is(err, ErrBadDescriptor) {
		t.Errorf("NextScan = %v, want ErrBadDescriptor", err)
	}
}

func TestNextScan_ReadErrorAfterDisconnect(t *testing.T) {
	port := serialport.NewTestableSerialPort()
	port.AddReadData(scanDescriptor)
	port.BlockReads = true
	l := New(port)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.NextScan()
		errCh <- err
	}()

	if err := l.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := <-errCh; !errors.Is(err, serialport.ErrPortClosed) {
		t.Errorf("NextScan = %v, want ErrPortClosed", err)
	}
}

func TestClearInput(t *testing.T) {
	port := serialport.NewTestableSerialPort()
	port.AddReadData([]byte{1, 2, 3})
	l := New(port)
	l.pending = []Measurement{{DistanceMM: 1}}

	if err := l.ClearInput(); err != nil {
		t.Fatalf("ClearInput failed: %v", err)
	}
	if l.pending != nil {
		t.Errorf("pending = %v, want nil", l.pending)
	}
	if port.InputResets != 1 {
		t.Errorf("InputResets = %d, want 1", port.InputResets)
	}
}

func TestStop(t *testing.T) {
	port := serialport.NewTestableSerialPort()
	l := New(port)
	l.scanning.Store(true)

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if l.scanning.Load() {
		t.Error("still marked scanning")
	}
	// DTR high stops the motor.
	if !port.DTR {
		t.Error("DTR not raised")
	}

	written := port.GetWrittenData()
	if !bytes.HasPrefix(written, []byte{0xA5, cmdStop}) {
		t.Errorf("expected STOP first, got % x", written)
	}
	if !bytes.Contains(written, request(cmdSetPWM, []byte{0x00, 0x00})) {
		t.Error("PWM 0 not sent")
	}
}

func TestStop_CombinesErrors(t *testing.T) {
	port := serialport.NewTestableSerialPort()
	port.Close()
	l := New(port)

	if err := l.Stop(); !errors.Is(err, serialport.ErrPortClosed) {
		t.Errorf("Stop on closed port = %v, want ErrPortClosed", err)
	}
}

func TestReset(t *testing.T) {
	port := serialport.NewTestableSerialPort()
	l := New(port)
	l.scanning.Store(true)
	l.pending = []Measurement{{DistanceMM: 1}}

	if err := l.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if l.scanning.Load() || l.pending != nil {
		t.Errorf("scanning=%v pending=%v after reset", l.scanning.Load(), l.pending)
	}
	if got := port.GetWrittenData(); !bytes.Equal(got, []byte{0xA5, 0x40}) {
		t.Errorf("written = % x, want a5 40", got)
	}
	if port.InputResets != 1 {
		t.Errorf("InputResets = %d, want 1", port.InputResets)
	}
}
