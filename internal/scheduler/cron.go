package scheduler

import (
	"fmt"
	"regexp"

	cron "github.com/robfig/cron/v3"
)

// everyNMinutes and everyNHours are the only two expressions recognised.
// Anything else is rejected before it ever reaches cron's own parser,
// which otherwise accepts a much wider grammar than we want to support.
var (
	everyNMinutes = regexp.MustCompile(`^\*/[0-9]+ \* \* \* \*$`)
	everyNHours   = regexp.MustCompile(`^0 \*/[0-9]+ \* \* \*$`)

	parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// parseSchedule validates expr against the two permitted shapes and returns
// a cron.Schedule for computing its next tick.
func parseSchedule(expr string) (cron.Schedule, error) {
	if !everyNMinutes.MatchString(expr) && !everyNHours.MatchString(expr) {
		return nil, fmt.Errorf("unsupported cron expression %q: only \"*/N * * * *\" and \"0 */N * * *\" are recognised", expr)
	}
	return parser.Parse(expr)
}
