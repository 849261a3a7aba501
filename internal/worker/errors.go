package worker

import "errors"

// ErrNoWork signals an empty claim attempt; the main loop sleeps and
// re-polls.
var ErrNoWork = errors.New("no claimable work")

// ErrNotActive signals that the authenticated worker record is not
// active; the process exits.
var ErrNotActive = errors.New("worker is not active")

// ErrAuthDenied signals that the coordinator did not recognize the API
// key; the process exits.
var ErrAuthDenied = errors.New("authentication denied")
