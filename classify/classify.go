package classify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/stepengine/task"
)

// Classify converts a terminal result into a Verdict. It is pure: the same
// result and schema always produce the same verdict.
//
// An undecodable payload is a DataExchangeError whatever status the worker
// reported, since it signals a contract mismatch rather than an operational
// failure.
func Classify(result task.Result, schema *Schema) Verdict {
	if err := result.Validate(); err != nil {
		return Fail(Failure(KindDataExchange, err.Error(), nil))
	}
	if result.Err != nil {
		return classifyDelivery(result.Err)
	}

	resp := result.Response
	payload, err := decodePayload(resp.Result)
	if err != nil {
		return Fail(Failure(KindDataExchange,
			fmt.Sprintf("response %s: payload does not match expected shape", resp.CorrelationID),
			resp.Progress, err))
	}

	switch resp.Status {
	case task.StatusFailure:
		msg := resp.Message()
		if resp.ErrorMessage == nil {
			msg = "remote operation reported failure without a message"
		}
		return Fail(Failure(KindRemoteExecution, msg, resp.Progress))
	case task.StatusSuccess:
		if payload == nil && !schema.empty() {
			return Fail(Failure(KindDataExchange,
				fmt.Sprintf("response %s: empty payload, expected %s", resp.CorrelationID, schema.Name()),
				resp.Progress))
		}
		ids, err := schema.apply(payload)
		if err != nil {
			return Fail(Failure(KindDataExchange,
				fmt.Sprintf("response %s: payload does not match expected shape", resp.CorrelationID),
				resp.Progress, err))
		}
		return Succeed(&Outcome{Identifiers: ids, Values: payload})
	default:
		return Fail(Failure(KindDataExchange,
			fmt.Sprintf("response %s: unknown status %q", resp.CorrelationID, resp.Status),
			resp.Progress))
	}
}

func classifyDelivery(err *task.DeliveryError) Verdict {
	kind := KindTransportFailure
	if err.Kind == task.DeliveryTimeout {
		kind = KindDispatchTimeout
	}
	var causes []error
	if err.Err != nil {
		causes = append(causes, err.Err)
	}
	return Fail(Failure(kind, err.Error(), nil, causes...))
}

var errNotObject = errors.New("payload is not a JSON object")

// decodePayload returns nil for an empty payload and an error for anything
// that is not a single JSON object.
func decodePayload(blob []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(blob)) == 0 {
		return nil, nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(blob))
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after payload")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return m, nil
}
