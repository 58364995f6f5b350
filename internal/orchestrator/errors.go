package orchestrator

import "errors"

var (
	// ErrPlanTooLong rejects a tool chain over the configured step
	// budget before any step executes.
	ErrPlanTooLong = errors.New("plan exceeds maximum step limit")
	// ErrEmptyPlan means the planner produced no usable tool chain.
	ErrEmptyPlan = errors.New("planner did not return a valid plan")
	// ErrConfirmNotTerminal rejects a plan placing the confirmation
	// tool anywhere but the final step.
	ErrConfirmNotTerminal = errors.New("confirmation tool must be the final step")
	// ErrPlanNotFound means the persisted plan expired or never existed.
	ErrPlanNotFound = errors.New("action plan not found or expired")
	// ErrPlanConflict means the plan is already executing or consumed.
	ErrPlanConflict = errors.New("action already in progress or executed")
)
