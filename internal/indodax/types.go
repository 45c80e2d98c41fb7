package indodax

import "encoding/json"

// APIResponse is the decoded TAPI envelope. Success is 1 on accepted calls;
// rejected calls carry a human-readable Error and usually a stable ErrorCode.
type APIResponse struct {
	Success   int             `json:"success"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Return    json.RawMessage `json:"return,omitempty"`
}

func (r APIResponse) IsError() bool {
	return r.Success != 1 || r.Error != "" || r.ErrorCode != ""
}

// ParseAPIResponse decodes a TAPI body. The second return is false when the
// body is not the expected envelope shape at all.
func ParseAPIResponse(body []byte) (APIResponse, bool) {
	var resp APIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return APIResponse{}, false
	}
	return resp, true
}
