// Package errs defines the machine-readable error codes used across cmdvec.
package errs

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeEmbedSetupRuntimeMissing    Code = "embed.setup.runtime_missing"
	CodeEmbedSetupDependencyMissing Code = "embed.setup.dependency_missing"
	CodeEmbedSetupScriptFailure     Code = "embed.setup.script_failure"
	CodeEmbedWorkerStartupTimeout   Code = "embed.worker.startup_timeout"
	CodeEmbedWorkerStartFailure     Code = "embed.worker.start_failure"
	CodeEmbedWorkerExited           Code = "embed.worker.exited"
	CodeEmbedWorkerUnavailable      Code = "embed.worker.unavailable"
	CodeEmbedRequestInvalid         Code = "embed.request.invalid_input"
	CodeEmbedResponseInvalid        Code = "embed.response.invalid"
	CodeEmbedResponseFailure        Code = "embed.response.failure"
	CodeEmbedDimensionMismatch      Code = "embed.vector.dimension_mismatch"

	CodeStoreOpenFailure       Code = "store.open.failure"
	CodeStoreCollectionFailure Code = "store.collection.failure"
	CodeStoreCollectionMissing Code = "store.collection.not_found"
	CodeStoreDimensionMismatch Code = "store.collection.dimension_mismatch"
	CodeStoreWriteFailure      Code = "store.point.write.failure"
	CodeStoreReadFailure       Code = "store.point.read.failure"
	CodeStoreSearchFailure     Code = "store.search.failure"
	CodeStoreIndexFailure      Code = "store.payload_index.failure"
	CodeStoreInvalidInput      Code = "store.invalid_input"

	CodeIndexLockConflict  Code = "index.lock.conflict"
	CodeIndexRecordInvalid Code = "index.record.invalid_input"
	CodeIndexRunFailure    Code = "index.run.failure"

	CodeSourceReadFailure        Code = "source.read.failure"
	CodeSourceParseInvalidFormat Code = "source.parse.invalid_format"

	CodeSearchQueryInvalid Code = "search.query.invalid_input"
	CodeSearchFailure      Code = "search.failure"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeInternalFailure Code = "internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

// Remediation attaches operator-facing instructions to setup failures.
func Remediation(text string) Attr {
	return Field("remediation", text)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// CodeOf returns the innermost code in the chain, so a dimension mismatch
// raised by the embedder keeps its identity after the pipeline wraps it.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	if oopsErr.Code() == nil {
		return ""
	}
	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

// RemediationOf returns the remediation text attached to err, if any.
func RemediationOf(err error) string {
	if s, ok := FieldsOf(err)["remediation"].(string); ok {
		return s
	}
	return ""
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsSetup reports a missing runtime or dependency. Not retryable.
func IsSetup(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "embed.setup.")
}

func IsStartupTimeout(err error) bool {
	return HasCode(err, CodeEmbedWorkerStartupTimeout)
}

// IsWorkerExited reports that the worker process is gone (or never became
// ready) and the request was lost.
func IsWorkerExited(err error) bool {
	code := CodeOf(err)
	return code == CodeEmbedWorkerExited || code == CodeEmbedWorkerUnavailable
}

func IsEmbedding(err error) bool {
	code := string(CodeOf(err))
	return strings.HasPrefix(code, "embed.request.") || strings.HasPrefix(code, "embed.response.")
}

func IsStore(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "store.")
}

func IsDimensionMismatch(err error) bool {
	return reason(CodeOf(err)) == "dimension_mismatch"
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsTimeout(err error) bool {
	return strings.HasSuffix(reason(CodeOf(err)), "timeout")
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsWorkerExited(err), IsSetup(err):
		return http.StatusServiceUnavailable
	case IsStore(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return oops.Code(CodeInternalFailure).Wrap(joined)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
