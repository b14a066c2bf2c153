package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func RunProgressKey(runID uuid.UUID) string {
	return fmt.Sprintf("run:progress:%s", runID)
}

func RunProgressChannel(runID uuid.UUID) string {
	return fmt.Sprintf("run:progress:events:%s", runID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
