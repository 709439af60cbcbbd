// Package stack implements the infrastructure provisioning steps: create or
// update a stack, delete a stack, and roll a stack back to what the last
// successful forward run left behind.
package stack

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/GoCodeAlone/stepengine/classify"
	"github.com/GoCodeAlone/stepengine/continuation"
)

// Step types.
const (
	TypeCreate   = "stack.create"
	TypeDelete   = "stack.delete"
	TypeRollback = "stack.rollback"
)

// Operation types sent to workers.
const (
	OpFetchTemplate = "stack.fetch-template"
	OpCreate        = "stack.create"
	OpUpdate        = "stack.update"
	OpDelete        = "stack.delete"
)

// Progress units reported by workers.
const (
	UnitFetchTemplate = "Fetch Template"
	UnitCreateStack   = "Create Stack"
	UnitUpdateStack   = "Update Stack"
	UnitDeleteStack   = "Delete Stack"
	UnitWait          = "Wait For Completion"
)

// CreateParams are the parameters of a stack.create step.
type CreateParams struct {
	// ProvisionerID is the logical entity name snapshots are keyed by.
	// Defaults to StackName.
	ProvisionerID string `json:"provisionerId,omitempty"`
	Connector     string `json:"connector"`
	StackName     string `json:"stackName"`
	// Region defaults to the connector's region.
	Region            string            `json:"region,omitempty"`
	TemplateConnector string            `json:"templateConnector"`
	TemplatePath      string            `json:"templatePath"`
	Parameters        map[string]string `json:"parameters,omitempty"`
	Capabilities      []string          `json:"capabilities,omitempty"`
	// ExistingResource declares that the stack was not created by this
	// engine. The fetch stage may also discover it.
	ExistingResource bool `json:"existingResource,omitempty"`
}

func (p *CreateParams) entity() string {
	if p.ProvisionerID != "" {
		return p.ProvisionerID
	}
	return p.StackName
}

func (p *CreateParams) check() error {
	var errs []error
	if p.Connector == "" {
		errs = append(errs, errors.New("connector is required"))
	}
	if p.StackName == "" {
		errs = append(errs, errors.New("stackName is required"))
	}
	if p.TemplateConnector == "" || p.TemplatePath == "" {
		errs = append(errs, errors.New("templateConnector and templatePath are required"))
	}
	return errors.Join(errs...)
}

// DeleteParams are the parameters of a stack.delete step.
type DeleteParams struct {
	ProvisionerID string `json:"provisionerId,omitempty"`
	Connector     string `json:"connector"`
	StackName     string `json:"stackName"`
	Region        string `json:"region,omitempty"`
}

func (p *DeleteParams) check() error {
	var errs []error
	if p.Connector == "" {
		errs = append(errs, errors.New("connector is required"))
	}
	if p.StackName == "" {
		errs = append(errs, errors.New("stackName is required"))
	}
	return errors.Join(errs...)
}

// RollbackParams are the parameters of a stack.rollback step. The target is
// never taken from here: it comes from the inherited outcome or snapshot.
type RollbackParams struct {
	ProvisionerID string `json:"provisionerId"`
	Connector     string `json:"connector"`
	// InheritFrom names an earlier step of the same run whose outcome
	// describes the forward operation to reverse.
	InheritFrom string `json:"inheritFrom,omitempty"`
}

func (p *RollbackParams) check() error {
	var errs []error
	if p.ProvisionerID == "" {
		errs = append(errs, errors.New("provisionerId is required"))
	}
	if p.Connector == "" {
		errs = append(errs, errors.New("connector is required"))
	}
	return errors.Join(errs...)
}

func decodeParams(raw json.RawMessage, dst interface{ check() error }) error {
	if len(raw) == 0 {
		return dst.check()
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	return dst.check()
}

// FetchRequest is the parametersBlob of a stack.fetch-template envelope.
type FetchRequest struct {
	ConnectorID string `json:"connectorId"`
	StackName   string `json:"stackName"`
	Region      string `json:"region"`
	TemplateRef string `json:"templateRef"`
}

// OperationRequest is the parametersBlob of create, update and delete
// envelopes.
type OperationRequest struct {
	ConnectorID  string            `json:"connectorId"`
	StackName    string            `json:"stackName"`
	Region       string            `json:"region"`
	TemplateRef  string            `json:"templateRef,omitempty"`
	TemplateBody string            `json:"templateBody,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Rollback     bool              `json:"rollback,omitempty"`
}

func operationRequest(s continuation.AwaitingRemoteOperation, templateBody string) OperationRequest {
	req := OperationRequest{
		ConnectorID: s.ConnectorID,
		StackName:   s.Target.Name,
		Region:      s.Target.Region,
		Rollback:    s.Rollback,
	}
	if s.Operation != continuation.OperationDelete {
		req.TemplateRef = s.TemplateRef
		req.TemplateBody = templateBody
		req.Parameters = maps.Clone(s.Parameters)
		req.Capabilities = slices.Clone(s.Capabilities)
	}
	return req
}

func operationType(op continuation.Operation) string {
	switch op {
	case continuation.OperationCreate:
		return OpCreate
	case continuation.OperationUpdate:
		return OpUpdate
	default:
		return OpDelete
	}
}

func operationUnits(op continuation.Operation) []string {
	switch op {
	case continuation.OperationCreate:
		return []string{UnitCreateStack, UnitWait}
	case continuation.OperationUpdate:
		return []string{UnitUpdateStack, UnitWait}
	default:
		return []string{UnitDeleteStack, UnitWait}
	}
}

// Response payload shapes.
var (
	fetchSchema = classify.MustSchema("stack.fetch-template", []string{"templateBody"},
		classify.Lift{Name: "templateBody", Expr: ".templateBody"},
	)
	applySchema = classify.MustSchema("stack.apply", []string{"stackId"},
		classify.Lift{Name: "stackId", Expr: ".stackId"},
		classify.Lift{Name: "stackStatus", Expr: ".stackStatus", Optional: true},
	)
	deleteSchema = classify.MustSchema("stack.delete", nil,
		classify.Lift{Name: "stackId", Expr: ".stackId", Optional: true},
	)
)

func schemaFor(op continuation.Operation) *classify.Schema {
	if op == continuation.OperationDelete {
		return deleteSchema
	}
	return applySchema
}
