package taskqueue

import "errors"

// ErrDuplicateTask is returned when WithTaskID reuses an existing id.
var ErrDuplicateTask = errors.New("task already exists")
