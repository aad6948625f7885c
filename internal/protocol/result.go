package protocol

import "fmt"

// Result is the outcome of one action. Failures carry a stable Code.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func OK(msg string, data map[string]any) Result {
	return Result{Success: true, Message: msg, Data: data}
}

func Fail(code, format string, args ...any) Result {
	return Result{Success: false, Code: code, Message: fmt.Sprintf(format, args...)}
}

// FailErr converts err into a failure result using its error code.
func FailErr(err error) Result {
	if err == nil {
		return Result{Success: false, Code: ErrInternal, Message: "unknown error"}
	}
	return Result{Success: false, Code: CodeOf(err), Message: MessageOf(err)}
}

// Err returns r as a typed error, or nil when r succeeded.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	code := r.Code
	if code == "" {
		code = ErrInternal
	}
	return &Error{Code: code, Message: r.Message}
}

func (r Result) String() string {
	if r.Success {
		return "ok: " + r.Message
	}
	return r.Code + ": " + r.Message
}
