package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireEnvelope is the worker protocol form of Envelope.
type wireEnvelope struct {
	CorrelationID       string   `json:"correlationId"`
	OperationType       string   `json:"operationType"`
	ParametersBlob      []byte   `json:"parametersBlob"`
	TimeoutMs           int64    `json:"timeoutMs"`
	ProgressUnits       []string `json:"progressUnits"`
	SelectorConstraints []string `json:"selectorConstraints"`
}

// wireResponse is the worker protocol form of Response.
type wireResponse struct {
	CorrelationID   string           `json:"correlationId"`
	Status          Status           `json:"status"`
	ResultBlob      []byte           `json:"resultBlob"`
	ProgressRecords []ProgressRecord `json:"progressRecords"`
	ErrorMessage    *string          `json:"errorMessage,omitempty"`
}

// EncodeEnvelope serializes an envelope for the worker protocol.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	w := wireEnvelope{
		CorrelationID:       e.CorrelationID,
		OperationType:       e.OperationType,
		ParametersBlob:      e.Parameters,
		TimeoutMs:           e.Timeout.Milliseconds(),
		ProgressUnits:       e.ProgressUnits,
		SelectorConstraints: NormalizeSelectors(e.Selectors),
	}
	if w.ProgressUnits == nil {
		w.ProgressUnits = []string{}
	}
	if w.SelectorConstraints == nil {
		w.SelectorConstraints = []string{}
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.CorrelationID, err)
	}
	return data, nil
}

// DecodeEnvelope parses a worker protocol envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &Envelope{
		CorrelationID: w.CorrelationID,
		OperationType: w.OperationType,
		Parameters:    w.ParametersBlob,
		Timeout:       time.Duration(w.TimeoutMs) * time.Millisecond,
		ProgressUnits: w.ProgressUnits,
		Selectors:     w.SelectorConstraints,
	}, nil
}

// EncodeResponse serializes a response for the worker protocol.
func EncodeResponse(r *Response) ([]byte, error) {
	w := wireResponse{
		CorrelationID:   r.CorrelationID,
		Status:          r.Status,
		ResultBlob:      r.Result,
		ProgressRecords: r.Progress,
		ErrorMessage:    r.ErrorMessage,
	}
	if w.ProgressRecords == nil {
		w.ProgressRecords = []ProgressRecord{}
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode response %s: %w", r.CorrelationID, err)
	}
	return data, nil
}

// DecodeResponse parses a worker protocol response. The status is not
// checked here; an unknown status is a classification concern.
func DecodeResponse(data []byte) (*Response, error) {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if w.CorrelationID == "" {
		return nil, fmt.Errorf("decode response: missing correlationId")
	}
	return &Response{
		CorrelationID: w.CorrelationID,
		Status:        w.Status,
		Result:        w.ResultBlob,
		Progress:      w.ProgressRecords,
		ErrorMessage:  w.ErrorMessage,
	}, nil
}
