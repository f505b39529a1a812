package clip

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const registerTimeout = 10 * time.Second

// RegisterApplicationKey asks the bridge to create (or confirm) an
// application key. If oldKey is non-empty the bridge is asked to confirm
// that existing key, otherwise it creates a new one.
//
// This is a one-shot HTTP/1.1 exchange made outside any persistent
// session; the bridge only accepts it shortly after its link button was
// pressed.
func RegisterApplicationKey(ctx context.Context, client *http.Client, host, oldKey string) (string, error) {
	body, err := sjson.Set("", "devicetype", ApplicationID)
	if err != nil {
		return "", err
	}
	if oldKey == "" {
		body, err = sjson.Set(body, "generateclientkey", true)
	} else {
		body, err = sjson.Set(body, "username", oldKey)
	}
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	url := "http://" + host + registrationPath
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", MediaTypeJSON)

	response, err := client.Do(request)
	if err != nil {
		return "", &CommsError{Op: "register", Cause: err}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return "", &CommsError{Op: "register", Cause: err}
	}

	if response.StatusCode != http.StatusOK {
		return "", &CommsError{Op: "register", Cause: fmt.Errorf("HTTP %d", response.StatusCode)}
	}

	responseBody = bytes.TrimSpace(responseBody)
	newKey := gjson.GetBytes(responseBody, "0.success.username").String()
	if newKey == "" {
		return "", &UnauthorizedError{Reason: "application key registration failed"}
	}

	return newKey, nil
}
