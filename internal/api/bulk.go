package api

import "github.com/nerrad567/gray-logic-ble/internal/link"

// BulkResponse is the body of connect-all and disconnect-all. Per-device
// failures do not fail the request; they are counted and listed.
type BulkResponse struct {
	link.BulkResult
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func bulkResponse(res link.BulkResult) BulkResponse {
	if res.Outcomes == nil {
		res.Outcomes = []link.Outcome{}
	}
	return BulkResponse{
		BulkResult: res,
		Succeeded:  len(res.Succeeded()),
		Failed:     len(res.Failed()),
	}
}
