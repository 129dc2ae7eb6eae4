package security

import "errors"

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")

	ErrCodeGeneration = errors.New("claim code generation failed")
)
