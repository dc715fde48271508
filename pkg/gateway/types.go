package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrServiceUnavailable = errors.New("publishing gateway unavailable")

// Request is the body of POST /preview and POST /post.
type Request struct {
	Platform    string     `json:"platform"`
	Body        string     `json:"body"`
	ChannelID   string     `json:"channelId"`
	Auth        Auth       `json:"auth"`
	Media       []Media    `json:"media,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

type Auth struct {
	APIKey string `json:"apiKey"`
}

// Media references a file either by public URL or by a path the gateway can read.
type Media struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Response is the gateway envelope. StatusCode is filled by the client.
type Response struct {
	Success    bool        `json:"success"`
	Data       *ResultData `json:"data,omitempty"`
	Error      *ErrorBody  `json:"error,omitempty"`
	StatusCode int         `json:"-"`
}

type ResultData struct {
	PublishedAt string `json:"publishedAt,omitempty"`
	URL         string `json:"url,omitempty"`
	PostID      string `json:"postId,omitempty"`
	Preview     string `json:"preview,omitempty"`
}

// ErrorBody accepts both {"message": "x"} and {"message": ["x", "y"]}.
type ErrorBody struct {
	Messages []string
	Code     string
}

func (e *ErrorBody) UnmarshalJSON(data []byte) error {
	var raw struct {
		Message json.RawMessage `json:"message"`
		Code    string          `json:"code"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Code = raw.Code
	e.Messages = nil
	if len(raw.Message) == 0 || string(raw.Message) == "null" {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.Message, &single); err == nil {
		e.Messages = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw.Message, &many); err != nil {
		return fmt.Errorf("error.message must be a string or string array: %w", err)
	}
	e.Messages = many
	return nil
}

func (e ErrorBody) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{"message": e.Messages, "code": e.Code})
}

// Text joins the platform messages verbatim.
func (e *ErrorBody) Text() string {
	if e == nil || len(e.Messages) == 0 {
		return "unknown gateway error"
	}
	return strings.Join(e.Messages, "; ")
}

// ServiceError is a gateway failure that produced no usable envelope.
type ServiceError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s failed with status %d: %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway %s failed: %s", e.Operation, e.Message)
}

func (e *ServiceError) Is(target error) bool {
	return target == ErrServiceUnavailable
}
