package fusion

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"

	"github.com/zsiec/sensorlink/internal/ingestion/imu"
)

// Filter is an orientation estimator fed one sample at a time. Implementations
// are not required to be safe for concurrent use; the consumer goroutine owns
// its filter.
type Filter interface {
	// Update folds one sample into the filter state. dt is the time elapsed
	// since the previous sample.
	Update(sample imu.Sample, dt time.Duration)
	// Orientation returns the current estimate.
	Orientation() Quaternion
}

// Factory builds a fresh filter for a new session.
type Factory func() Filter

// Quaternion is a unit rotation (w, x, y, z) from the earth frame to the
// sensor frame.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Identity is the zero rotation.
var Identity = Quaternion{W: 1}

func fromNumber(n quat.Number) Quaternion {
	return Quaternion{W: n.Real, X: n.Imag, Y: n.Jmag, Z: n.Kmag}
}

func (q Quaternion) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// Norm returns the quaternion magnitude.
func (q Quaternion) Norm() float64 {
	return quat.Abs(q.number())
}

// Euler returns roll, pitch and yaw in radians (ZYX convention).
func (q Quaternion) Euler() (roll, pitch, yaw float64) {
	roll = math.Atan2(2*(q.W*q.X+q.Y*q.Z), 1-2*(q.X*q.X+q.Y*q.Y))

	sinp := 2 * (q.W*q.Y - q.Z*q.X)
	switch {
	case sinp >= 1:
		pitch = math.Pi / 2
	case sinp <= -1:
		pitch = -math.Pi / 2
	default:
		pitch = math.Asin(sinp)
	}

	yaw = math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
	return roll, pitch, yaw
}

// Gravity returns the unit gravity direction expressed in the sensor frame.
func (q Quaternion) Gravity() [3]float64 {
	return [3]float64{
		2 * (q.X*q.Z - q.W*q.Y),
		2 * (q.W*q.X + q.Y*q.Z),
		q.W*q.W - q.X*q.X - q.Y*q.Y + q.Z*q.Z,
	}
}
