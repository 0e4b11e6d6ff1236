package clock

import (
	"context"
	"time"
)

type SystemClock struct{}

func (SystemClock) Now(context.Context) time.Time {
	return time.Now().UTC()
}
