package imu

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrLayout is returned when a payload does not match the expected layout.
var ErrLayout = errors.New("payload does not match layout")

// Parser turns a packet payload into a Sample.
type Parser interface {
	Parse(payload []byte) (Sample, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(payload []byte) (Sample, error)

// Parse calls f(payload).
func (f ParserFunc) Parse(payload []byte) (Sample, error) {
	return f(payload)
}

// Layout names accepted by NewParser.
const (
	LayoutFloat32 = "float32"
	LayoutInt16   = "int16"
)

// Float32Layout is an optional magic prefix followed by gx gy gz ax ay az as
// little-endian IEEE-754 float32.
type Float32Layout struct {
	Magic []byte
}

// Size returns the exact payload length this layout accepts.
func (l Float32Layout) Size() int {
	return len(l.Magic) + 6*4
}

// Parse implements Parser.
func (l Float32Layout) Parse(payload []byte) (Sample, error) {
	body, err := checkFrame(payload, l.Magic, l.Size())
	if err != nil {
		return Sample{}, err
	}

	var s Sample
	for i := 0; i < 3; i++ {
		s.Gyro[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:])))
		s.Accel[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(body[12+i*4:])))
	}
	return s, nil
}

// Int16Layout is an optional magic prefix followed by raw gx gy gz ax ay az
// counts as little-endian int16, converted with the scale factors.
type Int16Layout struct {
	Magic      []byte
	GyroScale  float64 // rad/s per count
	AccelScale float64 // m/s² per count
}

// Size returns the exact payload length this layout accepts.
func (l Int16Layout) Size() int {
	return len(l.Magic) + 6*2
}

// Parse implements Parser.
func (l Int16Layout) Parse(payload []byte) (Sample, error) {
	body, err := checkFrame(payload, l.Magic, l.Size())
	if err != nil {
		return Sample{}, err
	}

	var s Sample
	for i := 0; i < 3; i++ {
		s.Gyro[i] = float64(int16(binary.LittleEndian.Uint16(body[i*2:]))) * l.GyroScale
		s.Accel[i] = float64(int16(binary.LittleEndian.Uint16(body[6+i*2:]))) * l.AccelScale
	}
	return s, nil
}

func checkFrame(payload, magic []byte, size int) ([]byte, error) {
	if len(payload) != size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrLayout, len(payload), size)
	}
	if !bytes.HasPrefix(payload, magic) {
		return nil, fmt.Errorf("%w: bad magic %x", ErrLayout, payload[:len(magic)])
	}
	return payload[len(magic):], nil
}

// Options selects and parameterises a built-in layout.
type Options struct {
	Layout     string
	Magic      string // hex, may be empty
	GyroScale  float64
	AccelScale float64
}

// NewParser builds one of the built-in layouts.
func NewParser(opts Options) (Parser, error) {
	magic, err := hex.DecodeString(strings.TrimPrefix(opts.Magic, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid payload magic %q: %w", opts.Magic, err)
	}

	switch opts.Layout {
	case "", LayoutFloat32:
		return Float32Layout{Magic: magic}, nil
	case LayoutInt16:
		if opts.GyroScale == 0 || opts.AccelScale == 0 {
			return nil, fmt.Errorf("int16 layout requires non-zero gyro and accel scale")
		}
		return Int16Layout{Magic: magic, GyroScale: opts.GyroScale, AccelScale: opts.AccelScale}, nil
	default:
		return nil, fmt.Errorf("unknown payload layout %q", opts.Layout)
	}
}

// EncodeFloat32 lays a sample out in the Float32Layout format. It is the
// inverse of Float32Layout.Parse and is used by simulators and tests.
func EncodeFloat32(magic []byte, s Sample) []byte {
	out := make([]byte, len(magic)+24)
	copy(out, magic)
	body := out[len(magic):]
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(body[i*4:], math.Float32bits(float32(s.Gyro[i])))
		binary.LittleEndian.PutUint32(body[12+i*4:], math.Float32bits(float32(s.Accel[i])))
	}
	return out
}
