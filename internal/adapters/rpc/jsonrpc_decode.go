package rpc

import (
	"bytes"
	"encoding/json"
	"errors"

	"draft-collab/go-backend/pkg/models"
)

var errInvalidParams = errors.New("invalid params")

// decodeDraftIDParam accepts ["draft"] or {"draft_id":"draft"}.
func decodeDraftIDParam(raw json.RawMessage) (string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) != 1 {
			return "", errInvalidParams
		}
		return models.NormalizeDraftID(arr[0])
	}
	var obj struct {
		DraftID *string `json:"draft_id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.DraftID == nil {
		return "", errInvalidParams
	}
	return models.NormalizeDraftID(*obj.DraftID)
}

// decodeAPIVersion reads the optional api_version field of object params.
func decodeAPIVersion(raw json.RawMessage) (*int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, nil
	}
	var obj struct {
		APIVersion *int `json:"api_version"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errInvalidParams
	}
	return obj.APIVersion, nil
}
