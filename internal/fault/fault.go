// Package fault holds the error kinds shared by every pipeline component.
// Modules wrap these sentinels with context; callers match with errors.Is.
package fault

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidState        = errors.New("invalid state")
	ErrExpired             = errors.New("expired")
	ErrVehicleUnavailable  = errors.New("vehicle unavailable")
	ErrRiderHasActiveHold  = errors.New("rider has active hold")
	ErrTooFarFromVehicle   = errors.New("too far from vehicle")
	ErrNotInAuthorizedZone = errors.New("not in authorized zone")
	ErrInvalidPercentage   = errors.New("invalid percentage")
	ErrPercentageExceeded  = errors.New("percentage exceeded")
	ErrAlreadyResponded    = errors.New("already responded")
	ErrAlreadyConverted    = errors.New("already converted")
	ErrNotAParticipant     = errors.New("not a participant")
	ErrBadRequest          = errors.New("bad request")
	ErrConflict            = errors.New("state conflict")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, "NotFound"},
	{ErrForbidden, "Forbidden"},
	{ErrInvalidState, "InvalidState"},
	{ErrExpired, "Expired"},
	{ErrVehicleUnavailable, "VehicleUnavailable"},
	{ErrRiderHasActiveHold, "RiderHasActiveHold"},
	{ErrTooFarFromVehicle, "TooFarFromVehicle"},
	{ErrNotInAuthorizedZone, "NotInAuthorizedZone"},
	{ErrInvalidPercentage, "InvalidPercentage"},
	{ErrPercentageExceeded, "PercentageExceeded"},
	{ErrAlreadyResponded, "AlreadyResponded"},
	{ErrAlreadyConverted, "AlreadyConverted"},
	{ErrNotAParticipant, "NotAParticipant"},
	{ErrBadRequest, "BadRequest"},
	{ErrConflict, "Conflict"},
}

// Kind returns the stable name of the first sentinel err wraps, or "Internal".
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
