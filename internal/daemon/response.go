package daemon

import (
	"encoding/json"
	"log/slog"
)

const (
	StatusInfo  = "INFO"
	StatusWarn  = "WARN"
	StatusError = "ERROR"
)

// Response is the JSON document the daemon writes back for every command
type Response struct {
	Messages []ResponseMessage `json:"messages"`
	Data     any               `json:"data,omitempty"`
}

type ResponseMessage struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (r *Response) AddMessage(message string, status string) {
	r.Messages = append(r.Messages, ResponseMessage{
		Message: message,
		Status:  status,
	})
}

func (r *Response) AddData(data any) {
	r.Data = data
}

// Failed reports whether any message has ERROR status
func (r *Response) Failed() bool {
	for _, m := range r.Messages {
		if m.Status == StatusError {
			return true
		}
	}
	return false
}

// DecodeData re-decodes Data, which arrives as generic JSON on the client, into v
func (r *Response) DecodeData(v any) error {
	bytes, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, v)
}

func (r *Response) ToJSON() string {
	bytes, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return string(bytes)
}

func (r *Response) LogMessages() {
	for _, message := range r.Messages {
		switch message.Status {
		case StatusWarn:
			slog.Warn(message.Message)
		case StatusError:
			slog.Error(message.Message)
		default:
			slog.Info(message.Message)
		}
	}
}
