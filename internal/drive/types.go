package drive

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Item types as reported by the listing API.
const (
	TypeFile   = "file"
	TypeFolder = "folder"
)

// FlexString decodes a JSON field that the API serves inconsistently as
// either a string or a number. Listing responses report size and
// modified_time both ways depending on the gateway.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}

	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}

		*s = FlexString(str)

		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("decoding flexible string: %w", err)
	}

	*s = FlexString(num.String())

	return nil
}

// Item is a single entry from a folder listing.
type Item struct {
	Token        string     `json:"token"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	ParentToken  string     `json:"parent_token"`
	ModifiedTime FlexString `json:"modified_time"`
	Size         FlexString `json:"size"`
	URL          string     `json:"url"`
}

// IsFolder reports whether the item is a folder.
func (i Item) IsFolder() bool {
	return i.Type == TypeFolder
}
