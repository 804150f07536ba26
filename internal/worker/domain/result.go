package domain

// ExecutionResult is the outcome a handler returns for one invocation
type ExecutionResult struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Data    any                `json:"data,omitempty"`
	Metrics map[string]float64 `json:"metrics"`
}

// Succeeded creates a successful result
func Succeeded(message string) *ExecutionResult {
	return &ExecutionResult{
		Success: true,
		Message: message,
		Metrics: map[string]float64{},
	}
}

// SucceededWithData creates a successful result carrying a payload
func SucceededWithData(message string, data any) *ExecutionResult {
	r := Succeeded(message)
	r.Data = data
	return r
}

// Failed creates an unsuccessful result
func Failed(message string) *ExecutionResult {
	return &ExecutionResult{
		Success: false,
		Message: message,
		Metrics: map[string]float64{},
	}
}

// WithMetric records a named metric and returns the result for chaining
func (r *ExecutionResult) WithMetric(name string, value float64) *ExecutionResult {
	if r.Metrics == nil {
		r.Metrics = map[string]float64{}
	}
	r.Metrics[name] = value
	return r
}
