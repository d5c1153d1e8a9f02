package queue

import "github.com/google/uuid"

// SetIDFunc replaces the job id generator of d.
func SetIDFunc(d *Dispatcher, f func() uuid.UUID) { d.newID = f }
