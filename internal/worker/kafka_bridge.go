package worker

import (
	"context"

	"github.com/textly/smsbridge/internal/kafka/consumer"
)

// NewRecordFromConsumer copies a consumer record into a worker record and
// binds commit as its acknowledgment.
func NewRecordFromConsumer(rec *consumer.Record, commit func(context.Context) error) *Record {
	if rec == nil {
		return nil
	}

	wr := &Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       append([]byte(nil), rec.Key...),
		Value:     append([]byte(nil), rec.Value...),
		Timestamp: rec.Timestamp,
		commit:    commit,
	}
	if len(rec.Headers) > 0 {
		wr.Headers = make(map[string][]byte, len(rec.Headers))
		for k, v := range rec.Headers {
			wr.Headers[k] = append([]byte(nil), v...)
		}
	}
	return wr
}
