package protocol

import (
	"encoding/json"
	"fmt"
)

// QueryRequest is a client query frame.
type QueryRequest struct {
	Query      json.RawMessage `json:"query"`
	ResponseID string          `json:"responseId"`
	Live       bool            `json:"live,omitempty"`
}

// QueryError is one entry of a failed response.
type QueryError struct {
	Message string `json:"message"`
}

// QueryResponse answers a QueryRequest with either data or errors.
type QueryResponse struct {
	ResponseID string
	Data       any
	Errors     []QueryError
}

type dataResponse struct {
	Data       any    `json:"data"`
	ResponseID string `json:"responseId"`
}

type errorResponse struct {
	Errors     []QueryError `json:"errors"`
	ResponseID string       `json:"responseId"`
}

type wireResponse struct {
	Data       json.RawMessage `json:"data"`
	Errors     []QueryError    `json:"errors"`
	ResponseID string          `json:"responseId"`
}

// MarshalJSON emits {data, responseId} or {errors, responseId}.
func (r QueryResponse) MarshalJSON() ([]byte, error) {
	if len(r.Errors) > 0 {
		return json.Marshal(errorResponse{Errors: r.Errors, ResponseID: r.ResponseID})
	}
	return json.Marshal(dataResponse{Data: r.Data, ResponseID: r.ResponseID})
}

// UnmarshalJSON decodes either response shape. Data is decoded into plain
// JSON values.
func (r *QueryResponse) UnmarshalJSON(b []byte) error {
	var w wireResponse
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.ResponseID = w.ResponseID
	r.Errors = w.Errors
	r.Data = nil
	if len(w.Data) > 0 {
		if err := json.Unmarshal(w.Data, &r.Data); err != nil {
			return err
		}
	}
	return nil
}

// Err folds the response errors into one error, or nil.
func (r QueryResponse) Err() error {
	switch len(r.Errors) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("query %s: %s", r.ResponseID, r.Errors[0].Message)
	default:
		return fmt.Errorf("query %s: %s (and %d more)", r.ResponseID, r.Errors[0].Message, len(r.Errors)-1)
	}
}

// ErrorResponse builds a failed response from errs.
func ErrorResponse(responseID string, errs ...error) QueryResponse {
	out := make([]QueryError, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			out = append(out, QueryError{Message: err.Error()})
		}
	}
	return QueryResponse{ResponseID: responseID, Errors: out}
}
