package optimize

import "errors"

// modelNotCalibratedError signals Save was requested for a model with no in-memory record.
type modelNotCalibratedError struct{ model string }

func (e modelNotCalibratedError) Error() string { return "model not calibrated: " + e.model }

// ErrModelNotCalibrated constructs a modelNotCalibratedError.
func ErrModelNotCalibrated(model string) error { return modelNotCalibratedError{model: model} }

// IsModelNotCalibrated reports whether err (or anything it wraps) is a missing-calibration error.
func IsModelNotCalibrated(err error) bool {
	var e modelNotCalibratedError
	return errors.As(err, &e)
}

// calibrationMismatchError is logged when a calibration file belongs to another
// model or was written by another format version. It never reaches callers:
// Load reports it as a plain false.
type calibrationMismatchError struct {
	field     string
	want, got string
}

func (e calibrationMismatchError) Error() string {
	return "calibration " + e.field + " mismatch: expected " + e.want + ", got " + e.got
}
