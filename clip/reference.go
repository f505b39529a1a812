package clip

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
)

const (
	// ApplicationID identifies this client to the bridge during
	// registration.
	ApplicationID = "luma-candela"

	// ApplicationKeyHeader is the header carrying the access key on every
	// authenticated request.
	ApplicationKeyHeader = "hue-application-key"

	MediaTypeJSON = "application/json"
	MediaTypeSSE  = "text/event-stream"
)

// Reference addresses one resource by type and id, or all resources of a
// type when the id is empty.
type Reference struct {
	Type string
	ID   string
}

// BridgeReference addresses the bridge's own resource. Fetching it is the
// cheapest authenticated call, so it doubles as the connectivity check.
var BridgeReference = Reference{Type: "bridge"}

// AllResourcesReference addresses every resource the bridge has,
// regardless of type.
var AllResourcesReference = Reference{}

// ResourcePath returns the request path for the given reference.
func (r Reference) ResourcePath() string {
	if r.Type == "" {
		return "/clip/v2/resource"
	}

	path := "/clip/v2/resource/" + strings.ToLower(r.Type)
	if r.ID == "" {
		return path
	}

	return path + "/" + r.ID
}

const (
	EventsPath       = "/eventstream/clip/v2"
	registrationPath = "/api"
	configPath       = "/api/0/config"
)

// Resource is one bridge entity carried as raw JSON. Sparse marks
// resources derived from events, which are known to be partial
// representations.
type Resource struct {
	ID     string
	Type   string
	Raw    json.RawMessage
	Sparse bool
}

// Reference returns the reference addressing this resource.
func (r Resource) Reference() Reference {
	return Reference{Type: r.Type, ID: r.ID}
}

// Resources is the body of a GET/PUT response: a `data` list of resources
// plus an `errors` list.
type Resources struct {
	Raw json.RawMessage
}

// ParseResources validates and wraps a response body.
func ParseResources(body []byte) (*Resources, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response body is not valid JSON")
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("response body is not a JSON object")
	}

	return &Resources{Raw: body}, nil
}

// List returns the resources in the `data` list.
func (r *Resources) List() []Resource {
	var resources []Resource

	gjson.GetBytes(r.Raw, "data").ForEach(func(_, entry gjson.Result) bool {
		resources = append(resources, Resource{
			ID:   entry.Get("id").String(),
			Type: entry.Get("type").String(),
			Raw:  json.RawMessage(entry.Raw),
		})

		return true
	})

	return resources
}

// Errors returns the error descriptions in the `errors` list.
func (r *Resources) Errors() []string {
	var errs []string

	gjson.GetBytes(r.Raw, "errors").ForEach(func(_, entry gjson.Result) bool {
		errs = append(errs, entry.Get("description").String())
		return true
	})

	return errs
}

// Err folds the `errors` list into one error, or nil when the bridge
// reported none. These errors are advisory: the request itself
// succeeded.
func (r *Resources) Err() error {
	var err error

	for _, description := range r.Errors() {
		err = multierr.Append(err, errors.New(description))
	}

	return err
}
