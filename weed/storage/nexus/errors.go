package nexus

import (
	"errors"
	"fmt"

	"github.com/seaweedfs/sw-block/weed/storage/reservation"
)

var (
	ErrConfig              = errors.New("nexus: invalid configuration")
	ErrNotFound            = errors.New("nexus: not found")
	ErrExists              = errors.New("nexus: already exists")
	ErrLastChild           = errors.New("nexus: operation would leave no online child")
	ErrBusy                = errors.New("nexus: busy")
	ErrChildState          = errors.New("nexus: invalid child state transition")
	ErrIo                  = errors.New("nexus: I/O error")
	ErrNoHealthyChild      = fmt.Errorf("nexus: no online child: %w", ErrIo)
	ErrShutdown            = errors.New("nexus: shut down")
	ErrRebuildNotConverged = errors.New("nexus: rebuild did not converge")
	ErrRebuildFailed       = errors.New("nexus: rebuild failed")

	ErrConflict            = reservation.ErrConflict
	ErrReservationMismatch = reservation.ErrReservationMismatch
)
