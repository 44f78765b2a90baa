package persistence

import "errors"

// ErrEntityExists is returned when creating an entity whose id is taken.
var ErrEntityExists = errors.New("entity already exists")

// ErrLockLost is the cancellation cause of a HoldLocker context whose lock
// expired or was taken over while held.
var ErrLockLost = errors.New("lock lost")
