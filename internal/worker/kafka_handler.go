package worker

import (
	"context"

	"github.com/textly/smsbridge/internal/kafka/consumer"
)

// Committer acknowledges consumer records.
type Committer interface {
	Commit(ctx context.Context, record *consumer.Record) error
}

// KafkaHandler adapts the engine to the consumer callback. Offsets are
// committed through cons once the engine is done with a record.
func KafkaHandler(engine *Engine, cons Committer) consumer.Handler {
	return func(ctx context.Context, rec *consumer.Record) error {
		if engine == nil || rec == nil {
			return nil
		}

		var commit func(context.Context) error
		if cons != nil {
			commit = func(c context.Context) error {
				return cons.Commit(c, rec)
			}
		}

		engine.HandleRecord(ctx, NewRecordFromConsumer(rec, commit))
		return nil
	}
}
