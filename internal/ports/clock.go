package ports

import "time"

// Clock devuelve la hora actual. Los tests inyectan un reloj fijo.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock, in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
