package domain

import "fmt"

// Status codes used by the recording table.
const (
	StatusPending    = 2
	StatusProcessing = 10
	StatusDone       = 3
	StatusFailed     = -1
)

// StatusCodes maps lifecycle states to the integers stored in the table.
// Deployments with a different encoding override it through config.
type StatusCodes struct {
	Pending    int `yaml:"pending"`
	Processing int `yaml:"processing"`
	Done       int `yaml:"done"`
	Failed     int `yaml:"failed"`
}

// DefaultStatusCodes returns the encoding used by the recording table.
func DefaultStatusCodes() StatusCodes {
	return StatusCodes{
		Pending:    StatusPending,
		Processing: StatusProcessing,
		Done:       StatusDone,
		Failed:     StatusFailed,
	}
}

// Name returns the lifecycle name for a stored code, or "unknown(<code>)".
func (c StatusCodes) Name(code int) string {
	switch code {
	case c.Pending:
		return "pending"
	case c.Processing:
		return "processing"
	case c.Done:
		return "done"
	case c.Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", code)
	}
}

// Code resolves a lifecycle name to its stored code.
func (c StatusCodes) Code(name string) (int, bool) {
	switch name {
	case "pending":
		return c.Pending, true
	case "processing":
		return c.Processing, true
	case "done":
		return c.Done, true
	case "failed":
		return c.Failed, true
	default:
		return 0, false
	}
}

// Distinct reports whether every state has its own code.
func (c StatusCodes) Distinct() bool {
	seen := map[int]struct{}{}
	for _, v := range []int{c.Pending, c.Processing, c.Done, c.Failed} {
		if _, ok := seen[v]; ok {
			return false
		}
		seen[v] = struct{}{}
	}
	return true
}

// Job is one recording row as seen by this service.
type Job struct {
	ID          string  `db:"id" json:"id"`
	Status      int     `db:"status" json:"-"`
	StatusName  string  `db:"-" json:"status"`
	ResultText  *string `db:"result_text" json:"result_text,omitempty"`
	ErrorDetail *string `db:"error_detail" json:"error_detail,omitempty"`
}
