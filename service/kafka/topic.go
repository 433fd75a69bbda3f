package kafka

import (
	"fmt"
	"hash/crc32"
)

// ShardTopics expands the topic pattern: push.shard-00, push.shard-01, ...
func ShardTopics(c Config) []string {
	c = c.WithDefaults()
	out := make([]string, 0, c.TopicCount)
	for i := 0; i < c.TopicCount; i++ {
		out = append(out, fmt.Sprintf(c.TopicPattern, i))
	}
	return out
}

// TopicFor maps a user to its shard topic. The same user always hits the
// same topic.
func TopicFor(userID string, topics []string) string {
	if len(topics) == 0 {
		return ""
	}
	h := crc32.ChecksumIEEE([]byte(userID))
	return topics[int(h%uint32(len(topics)))]
}
