package server

import (
	"encoding/json"
)

type createThreadRequest struct {
	ProjectPath    string `json:"projectPath"`
	ThreadName     string `json:"threadName"`
	ApprovalPolicy string `json:"approvalPolicy"`
	Sandbox        string `json:"sandbox"`
	Model          string `json:"model"`
}

type startTurnRequest struct {
	Text           string `json:"text"`
	ApprovalPolicy string `json:"approvalPolicy"`
	Sandbox        string `json:"sandbox"`
	Model          string `json:"model"`
}

// approveRequest tolerates both camelCase and snake_case spellings of the
// approval id, which older client builds still send.
type approveRequest struct {
	ApprovalID    string          `json:"approvalId"`
	ApprovalIDAlt string          `json:"approval_id"`
	Decision      string          `json:"decision"`
	Amendment     json.RawMessage `json:"amendment,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

func (r *approveRequest) approvalID() string {
	if r.ApprovalID != "" {
		return r.ApprovalID
	}
	return r.ApprovalIDAlt
}

type importThreadRequest struct {
	PackagePath string `json:"packagePath"`
}

type terminalOpenRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type terminalResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type registerDeviceRequest struct {
	Platform    string `json:"platform"`
	Token       string `json:"token"`
	Bundle      string `json:"bundle"`
	Environment string `json:"environment"`
	ThreadScope string `json:"threadScope"`
}

type unregisterDeviceRequest struct {
	Token string `json:"token"`
}
