package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := NewCompilationError("unexpected token")
	assert.Equal(t, "COMPILATION_ERROR: unexpected token", err.Error())
}

func TestAppError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("exit status 1")
	err := NewLinkingError("link failed").WithCause(cause)

	assert.Contains(t, err.Error(), "link failed")
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Equal(t, cause, err.Unwrap())
}

func TestAppError_WithDetailAndBuildID(t *testing.T) {
	err := NewRecoveryError("build-1", "force_clean", "clean failed")

	assert.Equal(t, "build-1", err.BuildID)
	assert.Equal(t, "force_clean", err.Details["action"])
}

func TestConstructors_Types(t *testing.T) {
	tests := []struct {
		err  *AppError
		want ErrorType
	}{
		{NewValidationError("v"), ErrorTypeValidation},
		{NewNotFoundError("artifact"), ErrorTypeNotFound},
		{NewTimeoutError("link"), ErrorTypeTimeout},
		{NewCompilationError("c"), ErrorTypeCompilation},
		{NewLinkingError("l"), ErrorTypeLinking},
		{NewResourceExhaustionError("r"), ErrorTypeResourceExhaustion},
		{NewDependencyError("d"), ErrorTypeDependency},
		{NewConfigurationError("cfg"), ErrorTypeConfiguration},
		{NewExternalError("cmake", "e"), ErrorTypeExternal},
		{NewInternalError("i"), ErrorTypeInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Type)
		assert.True(t, IsType(tt.err, tt.want))
	}
}

func TestGetType(t *testing.T) {
	assert.Equal(t, ErrorTypeTimeout, GetType(NewTimeoutError("op")))
	assert.Equal(t, ErrorTypeUnknown, GetType(fmt.Errorf("plain")))
	assert.Equal(t, ErrorTypeUnknown, GetType(nil))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, "TIMEOUT", GetCode(NewTimeoutError("op")))
	assert.Equal(t, "UNKNOWN_ERROR", GetCode(fmt.Errorf("plain")))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFoundError("entry")))
	assert.False(t, IsNotFound(NewTimeoutError("op")))
}
