package defense

import (
	"math"
	"strconv"
	"time"
)

// retrySeconds arredonda para cima: um cliente que respeita Retry-After nunca volta cedo demais.
func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func formatInt(v int) string { return strconv.Itoa(v) }
