package modelloop

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

var (
	// ErrModelOverloaded marks a transient capacity failure of one model.
	ErrModelOverloaded = errors.New("model overloaded")
	// ErrAllModelsOverloaded is returned when every configured model was
	// overloaded.
	ErrAllModelsOverloaded = errors.New("all models overloaded")
	// ErrModelFatal is returned for failures that switching models will not
	// fix.
	ErrModelFatal = errors.New("model error")
)

// OverloadedError lets a Backend report overload explicitly instead of
// relying on error text.
type OverloadedError struct {
	Model string
	Err   error
}

func (e *OverloadedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("modelloop: model %q is overloaded", e.Model)
	}
	return fmt.Sprintf("modelloop: model %q is overloaded: %v", e.Model, e.Err)
}

func (e *OverloadedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrModelOverloaded}
	}
	return []error{ErrModelOverloaded, e.Err}
}

// IsOverloaded reports whether err looks like a transient overload: an
// OverloadedError, a Gemini API error with HTTP 429 or 503 or the matching
// RPC status, or an error whose text mentions an overload.
func IsOverloaded(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrModelOverloaded) {
		return true
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErrorOverloaded(apiErr) {
		return true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil && apiErrorOverloaded(*apiErrPtr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "overloaded") || strings.Contains(msg, "503") || strings.Contains(msg, "429")
}

func apiErrorOverloaded(e genai.APIError) bool {
	if e.Code == http.StatusTooManyRequests || e.Code == http.StatusServiceUnavailable {
		return true
	}
	status := strings.ToUpper(e.Status)
	return strings.Contains(status, "UNAVAILABLE") || strings.Contains(status, "RESOURCE_EXHAUSTED")
}

// LoopError is the final error of a run that did not succeed. Its message is
// meant for end users and does not repeat the backend's raw error text; the
// cause stays reachable through errors.Is and errors.As.
type LoopError struct {
	// Kind is ErrAllModelsOverloaded or ErrModelFatal.
	Kind     error
	Model    string
	Attempts int
	Err      error
}

func (e *LoopError) Error() string {
	if errors.Is(e.Kind, ErrAllModelsOverloaded) {
		return fmt.Sprintf("modelloop: all %d models are overloaded right now, please try again in a moment", e.Attempts)
	}
	if e.Model == "" {
		return "modelloop: the model request failed and cannot be retried"
	}
	return fmt.Sprintf("modelloop: model %q failed with an error that cannot be retried", e.Model)
}

func (e *LoopError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
