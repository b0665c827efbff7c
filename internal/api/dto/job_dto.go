package dto

// JobResponse is one recording row as shown to operators.
type JobResponse struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	ResultText  *string `json:"result_text"`
	ErrorDetail *string `json:"error_detail"`
}

// ListJobsRequest filters jobs by status.
type ListJobsRequest struct {
	Status string `form:"status" binding:"required,oneof=pending processing done failed"`
	Limit  int    `form:"limit" binding:"omitempty,min=1"`
}

// ListJobsResponse holds job ids in id order.
type ListJobsResponse struct {
	Status string   `json:"status"`
	IDs    []string `json:"ids"`
	Count  int      `json:"count"`
	Limit  int      `json:"limit"`
}

// StaleJobsResponse lists processing jobs with no live worker.
type StaleJobsResponse struct {
	IDs   []string `json:"ids"`
	Count int      `json:"count"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
