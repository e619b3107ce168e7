package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Stats is the subset of nsqd's /stats response the monitor reads.
type Stats struct {
	Topics []TopicStats `json:"topics"`
}

type TopicStats struct {
	TopicName    string         `json:"topic_name"`
	Depth        int64          `json:"depth"`
	MessageCount int64          `json:"message_count"`
	Channels     []ChannelStats `json:"channels"`
}

type ChannelStats struct {
	ChannelName   string `json:"channel_name"`
	Depth         int64  `json:"depth"`
	InFlightCount int64  `json:"in_flight_count"`
	DeferredCount int64  `json:"deferred_count"`
	RequeueCount  int64  `json:"requeue_count"`
	TimeoutCount  int64  `json:"timeout_count"`
	MessageCount  int64  `json:"message_count"`
}

// Topic returns the stats for name, if nsqd knows the topic.
func (s Stats) Topic(name string) (TopicStats, bool) {
	for _, t := range s.Topics {
		if t.TopicName == name {
			return t, true
		}
	}
	return TopicStats{}, false
}

// FetchStats reads nsqd's HTTP stats endpoint at addr (host:port).
func FetchStats(ctx context.Context, client *http.Client, addr string) (Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/stats?format=json", nil)
	if err != nil {
		return Stats{}, fmt.Errorf("build stats request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("nsq stats returned status %d", resp.StatusCode)
	}
	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Stats{}, fmt.Errorf("decode nsq stats: %w", err)
	}
	return stats, nil
}
