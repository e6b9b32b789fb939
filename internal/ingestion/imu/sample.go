package imu

import "fmt"

// Sample is one 6-axis reading decoded from a packet payload.
type Sample struct {
	Gyro  [3]float64 `json:"gyro"`  // rad/s
	Accel [3]float64 `json:"accel"` // m/s²
}

func (s Sample) String() string {
	return fmt.Sprintf("gyro=(%.3f,%.3f,%.3f) accel=(%.3f,%.3f,%.3f)",
		s.Gyro[0], s.Gyro[1], s.Gyro[2], s.Accel[0], s.Accel[1], s.Accel[2])
}
