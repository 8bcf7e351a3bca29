package domain

import (
	"errors"
	"fmt"
)

// ErrorClass — таксономия ошибок governance-ядра.
type ErrorClass string

const (
	ClassValidation   ErrorClass = "validation"    // Ошибка схемы/формы, исправима пользователем
	ClassPolicyDenied ErrorClass = "policy_denied" // Явный deny от движка политик, не ретраится
	ClassNotFound     ErrorClass = "not_found"
	ClassForbidden    ErrorClass = "forbidden" // Нет роли/прав, либо активен incident freeze
	ClassConflict     ErrorClass = "conflict"  // Проигрыш optimistic concurrency, перечитать и повторить
	ClassUpstream     ErrorClass = "upstream_unavailable"
)

// GovernanceError — структурированная ошибка для API-слоя.
// ClassUpstream — единственный класс, пригодный для автоматического retry с backoff.
type GovernanceError struct {
	Class      ErrorClass  `json:"class"`
	Reason     string      `json:"reason"`
	Violations []Violation `json:"violations,omitempty"`
	Err        error       `json:"-"`
}

func (e *GovernanceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Reason)
}

func (e *GovernanceError) Unwrap() error { return e.Err }

func Validation(reason string) *GovernanceError {
	return &GovernanceError{Class: ClassValidation, Reason: reason}
}

func PolicyDenied(reason string, violations []Violation) *GovernanceError {
	return &GovernanceError{Class: ClassPolicyDenied, Reason: reason, Violations: violations}
}

func NotFound(what string) *GovernanceError {
	return &GovernanceError{Class: ClassNotFound, Reason: what + " not found"}
}

func Forbidden(reason string) *GovernanceError {
	return &GovernanceError{Class: ClassForbidden, Reason: reason}
}

func Conflict(reason string) *GovernanceError {
	return &GovernanceError{Class: ClassConflict, Reason: reason}
}

func Upstream(reason string, err error) *GovernanceError {
	return &GovernanceError{Class: ClassUpstream, Reason: reason, Err: err}
}

// ClassOf достает класс из цепочки ошибок. Неклассифицированное — upstream,
// чтобы неизвестные сбои по умолчанию шли по fail-closed пути.
func ClassOf(err error) ErrorClass {
	var ge *GovernanceError
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassUpstream
}

func IsConflict(err error) bool { return ClassOf(err) == ClassConflict }
func IsNotFound(err error) bool { return ClassOf(err) == ClassNotFound }
