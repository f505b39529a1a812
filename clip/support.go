package clip

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Bridges report their firmware as a numeric `swversion`; CLIP v2 first
// shipped in this one.
const minimumSupportedVersion = 1948086000

const supportTimeout = 10 * time.Second

// CheckSupport probes the bridge's unauthenticated config endpoint and
// reports whether its firmware is recent enough to speak CLIP v2.
//
// It returns ErrUnsupported when the bridge answered but is too old, and
// a CommsError when it could not be reached or gave a nonsense answer.
func CheckSupport(ctx context.Context, client *http.Client, host string) error {
	ctx, cancel := context.WithTimeout(ctx, supportTimeout)
	defer cancel()

	url := "http://" + host + configPath
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", MediaTypeJSON)

	response, err := client.Do(request)
	if err != nil {
		return &CommsError{Op: "checkSupport", Cause: err}
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return &CommsError{Op: "checkSupport", Cause: err}
	}

	version := gjson.GetBytes(body, "swversion").String()
	numeric, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return &CommsError{Op: "checkSupport", Cause: err}
	}

	if numeric < minimumSupportedVersion {
		return ErrUnsupported
	}

	return nil
}
