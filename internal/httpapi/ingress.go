package httpapi

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/corehook/authplatform/internal/webhook"
)

// parseIngressJob reads eventId/endpointId out of the queue provider's job
// payload with gjson rather than a strict json.Unmarshal, since queue
// providers are free to add envelope fields around the job body.
func parseIngressJob(body []byte) (webhook.Job, error) {
	if !gjson.ValidBytes(body) {
		return webhook.Job{}, fmt.Errorf("httpapi: invalid job payload")
	}
	result := gjson.ParseBytes(body)
	eventID := result.Get("eventId").String()
	endpointID := result.Get("endpointId").String()
	if eventID == "" || endpointID == "" {
		return webhook.Job{}, fmt.Errorf("httpapi: job payload missing eventId/endpointId")
	}
	return webhook.Job{EventID: eventID, EndpointID: endpointID}, nil
}
