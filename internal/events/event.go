package events

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Event 通用推送事件（适配 channel 分发）
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent 把 payload 序列化成一个带唯一 ID 的事件
func NewEvent(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:   uuid.NewString(),
		Type: eventType,
		Data: data,
	}, nil
}
