package message

import (
	"crypto/rand"
	"math/big"
)

// CapabilitiesTopic is where agents advertise their capabilities.
const CapabilitiesTopic = "topic:///capabilities"

const (
	topicScheme   = "topic://"
	replyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	replyLength   = 10
)

// SpecificationsTopic is the topic an agent serving endpoint listens on.
func SpecificationsTopic(endpoint string) string {
	return topicScheme + endpoint + "/specifications"
}

// ResultsTopic is the topic results of a measurement are published to.
func ResultsTopic(measurementID string) string {
	return topicScheme + measurementID + "/results"
}

// ReplyTopic returns a fresh ephemeral reply-to topic.
func ReplyTopic() string {
	buf := make([]byte, replyLength)
	max := big.NewInt(int64(len(replyAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("message: crypto/rand unavailable: " + err.Error())
		}
		buf[i] = replyAlphabet[n.Int64()]
	}
	return topicScheme + string(buf)
}
