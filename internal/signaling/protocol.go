// Package signaling is a topic relay for room participants. It speaks the
// y-webrtc signaling protocol: clients subscribe to topics, publish JSON to a
// topic and receive every publish on topics they are subscribed to.
package signaling

import "encoding/json"

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypePing        = "ping"
	TypePong        = "pong"
)

// Message is one signaling frame in either direction.
type Message struct {
	Type   string          `json:"type"`
	Topics []string        `json:"topics,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	// Clients is the number of subscribers a publish was delivered to.
	Clients int `json:"clients,omitempty"`
}

func Subscribe(topics ...string) Message {
	return Message{Type: TypeSubscribe, Topics: topics}
}

func Unsubscribe(topics ...string) Message {
	return Message{Type: TypeUnsubscribe, Topics: topics}
}

func Publish(topic string, data json.RawMessage) Message {
	return Message{Type: TypePublish, Topic: topic, Data: data}
}
