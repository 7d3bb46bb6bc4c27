package api

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

var ErrNotifyFailed = errors.New("api: notification rejected")

var client = &http.Client{Timeout: 10 * time.Second}

// NotifyReportReady posts the measurement event to the webhook at apiURL.
func NotifyReportReady(ctx context.Context, apiURL string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to encode notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build notification request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "notification request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrNotifyFailed, "status code %d", resp.StatusCode)
	}

	return nil
}
