package clip

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ParseEvents parses the payload of one SSE message into the list of
// sparse resources it carries.
//
// The payload must be a JSON array of events; each event has a `data`
// array of partial resources. A syntactically valid payload with no
// usable resources yields an empty list and no error, a malformed one an
// error. Callers treat both as "no usable event" rather than fatal.
func ParseEvents(payload string) ([]Resource, error) {
	if !gjson.Valid(payload) {
		return nil, fmt.Errorf("event payload is not valid JSON")
	}

	root := gjson.Parse(payload)
	if !root.IsArray() {
		return nil, fmt.Errorf("event payload is not a JSON array")
	}

	var resources []Resource

	root.ForEach(func(_, event gjson.Result) bool {
		event.Get("data").ForEach(func(_, entry gjson.Result) bool {
			resources = append(resources, Resource{
				ID:     entry.Get("id").String(),
				Type:   entry.Get("type").String(),
				Raw:    json.RawMessage(entry.Raw),
				Sparse: true,
			})

			return true
		})

		return true
	})

	return resources, nil
}
