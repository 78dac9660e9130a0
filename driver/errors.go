package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluiziolira/go-form-autofill/locator"
)

var (
	// ErrConfigInvalid is wrapped by every ConfigError.
	ErrConfigInvalid = errors.New("invalid run config")
	// ErrRunActive rejects a Start while a run is running or paused.
	ErrRunActive = errors.New("a run is already active")
	// ErrNotRunning rejects a Pause when no run is running.
	ErrNotRunning = errors.New("no run is running")
	// ErrNotPaused rejects a Resume when the run is not paused.
	ErrNotPaused = errors.New("run is not paused")
)

// ConfigError describes why a RunConfig was rejected.
type ConfigError struct {
	Err error
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%v: %v", ErrConfigInvalid, e.Err)
}

func (e ConfigError) Unwrap() []error {
	return []error{ErrConfigInvalid, e.Err}
}

// InputNotFoundError indicates the search input could not be located.
type InputNotFoundError struct {
	Err error
}

func (e InputNotFoundError) Error() string {
	return fmt.Errorf("input_not_found: %w", e.Err).Error()
}

func (e InputNotFoundError) Unwrap() error {
	return e.Err
}

// SubmitNotFoundError indicates the search submit control could not be located.
type SubmitNotFoundError struct {
	Err error
}

func (e SubmitNotFoundError) Error() string {
	return fmt.Errorf("submit_not_found: %w", e.Err).Error()
}

func (e SubmitNotFoundError) Unwrap() error {
	return e.Err
}

// DateFieldNotFoundError indicates the date could not be written for a date head.
type DateFieldNotFoundError struct {
	Date string
	Err  error
}

func (e DateFieldNotFoundError) Error() string {
	return fmt.Errorf("date_field_not_found (%s): %w", e.Date, e.Err).Error()
}

func (e DateFieldNotFoundError) Unwrap() error {
	return e.Err
}

// SaveNotFoundError indicates a required finalization control was missing.
type SaveNotFoundError struct {
	Role locator.Role
	Err  error
}

func (e SaveNotFoundError) Error() string {
	return fmt.Errorf("save_not_found (%s): %w", e.Role, e.Err).Error()
}

func (e SaveNotFoundError) Unwrap() error {
	return e.Err
}

// InteractionError indicates a located control rejected a fill, click or selection.
type InteractionError struct {
	Step string
	Err  error
}

func (e InteractionError) Error() string {
	return fmt.Errorf("interaction (%s): %w", e.Step, e.Err).Error()
}

func (e InteractionError) Unwrap() error {
	return e.Err
}

// ObstacleError wraps a dismissal failure. It is logged, never fatal.
type ObstacleError struct {
	Err error
}

func (e ObstacleError) Error() string {
	return fmt.Errorf("obstacle: %w", e.Err).Error()
}

func (e ObstacleError) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	if errors.Is(err, ErrConfigInvalid) {
		return "config_invalid"
	}
	var input InputNotFoundError
	if errors.As(err, &input) {
		return "input_not_found"
	}
	var submit SubmitNotFoundError
	if errors.As(err, &submit) {
		return "submit_not_found"
	}
	var date DateFieldNotFoundError
	if errors.As(err, &date) {
		return "date_field_not_found"
	}
	var save SaveNotFoundError
	if errors.As(err, &save) {
		return "save_not_found"
	}
	var interaction InteractionError
	if errors.As(err, &interaction) {
		return "interaction"
	}
	var obstacle ObstacleError
	if errors.As(err, &obstacle) {
		return "obstacle"
	}
	return "other"
}
