package sms

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/juju/errors"
)

const messagesPath = "/messages"

//HTTPProvider sends messages through a REST short message gateway
type HTTPProvider struct {
	client *resty.Client
	sender string
}

type outboundMessage struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

type sendResult struct {
	ID string `json:"id"`
}

func NewHTTPProvider(baseURL, token, sender string, timeout time.Duration) *HTTPProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}

	return &HTTPProvider{client: client, sender: sender}
}

//Send posts one message. Delivery is attempted once, a retry is a new dispatch.
func (p *HTTPProvider) Send(ctx context.Context, phone, text string) (string, error) {
	var result sendResult
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(outboundMessage{To: phone, From: p.sender, Text: text}).
		SetResult(&result).
		Post(messagesPath)
	if err != nil {
		return "", errors.Annotate(err, "post message")
	}
	if resp.IsError() {
		return "", errors.Errorf("provider responded %s: %s", resp.Status(), resp.String())
	}
	if result.ID == "" {
		return "", errors.New("provider response without message id")
	}

	return result.ID, nil
}
