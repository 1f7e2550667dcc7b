package commands

import "time"

// timeNow is a seam so tests can substitute a fixed clock; production
// calls through to time.Now.
var timeNow = time.Now
