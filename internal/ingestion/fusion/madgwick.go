package fusion

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"

	"github.com/zsiec/sensorlink/internal/ingestion/imu"
)

// DefaultBeta is the gradient-descent gain used when none is configured.
const DefaultBeta = 0.1

// Madgwick is the gyro+accelerometer variant of Madgwick's gradient-descent
// orientation filter.
type Madgwick struct {
	beta float64
	q    quat.Number
}

// NewMadgwick creates a filter starting at the identity orientation.
func NewMadgwick(beta float64) *Madgwick {
	if beta <= 0 {
		beta = DefaultBeta
	}
	return &Madgwick{
		beta: beta,
		q:    Identity.number(),
	}
}

// NewMadgwickFactory returns a Factory producing filters with the given gain.
func NewMadgwickFactory(beta float64) Factory {
	return func() Filter {
		return NewMadgwick(beta)
	}
}

// Update implements Filter.
func (m *Madgwick) Update(s imu.Sample, dt time.Duration) {
	step := dt.Seconds()
	if step <= 0 {
		return
	}

	// Rate of change from the gyroscope: 0.5 * q ⊗ (0, ω)
	omega := quat.Number{Imag: s.Gyro[0], Jmag: s.Gyro[1], Kmag: s.Gyro[2]}
	qDot := quat.Scale(0.5, quat.Mul(m.q, omega))

	ax, ay, az := s.Accel[0], s.Accel[1], s.Accel[2]
	if norm := math.Sqrt(ax*ax + ay*ay + az*az); norm > 0 {
		ax, ay, az = ax/norm, ay/norm, az/norm

		grad := m.gradient(ax, ay, az)
		if g := quat.Abs(grad); g > 0 {
			qDot = quat.Sub(qDot, quat.Scale(m.beta/g, grad))
		}
	}

	q := quat.Add(m.q, quat.Scale(step, qDot))
	if n := quat.Abs(q); n > 0 {
		m.q = quat.Scale(1/n, q)
	}
}

// gradient is Jᵀf for the objective aligning the predicted gravity direction
// with the normalised accelerometer reading.
func (m *Madgwick) gradient(ax, ay, az float64) quat.Number {
	q0, q1, q2, q3 := m.q.Real, m.q.Imag, m.q.Jmag, m.q.Kmag

	f1 := 2*(q1*q3-q0*q2) - ax
	f2 := 2*(q0*q1+q2*q3) - ay
	f3 := 2*(0.5-q1*q1-q2*q2) - az

	return quat.Number{
		Real: -2*q2*f1 + 2*q1*f2,
		Imag: 2*q3*f1 + 2*q0*f2 - 4*q1*f3,
		Jmag: -2*q0*f1 + 2*q3*f2 - 4*q2*f3,
		Kmag: 2*q1*f1 + 2*q2*f2,
	}
}

// Orientation implements Filter.
func (m *Madgwick) Orientation() Quaternion {
	return fromNumber(m.q)
}

// Reset returns the filter to the identity orientation.
func (m *Madgwick) Reset() {
	m.q = Identity.number()
}
