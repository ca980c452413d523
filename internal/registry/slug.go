package registry

import (
	"fmt"
	"strings"

	"github.com/updown15m/engine/internal/domain"
)

// buildSlug constructs the predictive slug for asset at windowStartUnixSec,
// of the form "<coin>-updown-15m-<window_start_unix_sec>".
func buildSlug(asset domain.Asset, windowStartUnixSec int64) string {
	return fmt.Sprintf("%s-updown-15m-%d", strings.ToLower(string(asset)), windowStartUnixSec)
}

// nextPredictiveSlot rounds nowUnixSec up to the next 15-minute boundary
// (900s), per the predictive scan's nextSlot = ceil(now_sec/900)*900.
func nextPredictiveSlot(nowUnixSec int64) int64 {
	const slotSeconds = 900
	if nowUnixSec%slotSeconds == 0 {
		return nowUnixSec
	}
	return (nowUnixSec/slotSeconds + 1) * slotSeconds
}
