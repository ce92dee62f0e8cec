package rx

// Result is the uniform envelope every boundary operation returns. Other
// layers (HTTP, workers, reports) depend on this shape staying stable.
type Result struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    any               `json:"data,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"` // field -> problem
}

func OK(msg string, data any) Result {
	return Result{Success: true, Message: msg, Data: data}
}

func Fail(msg string, fieldErrors map[string]string) Result {
	return Result{Success: false, Message: msg, Errors: fieldErrors}
}
