package refresh

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"vwapbot/internal/storage"
	logx "vwapbot/pkg/logx"
)

// RestoreReport lists what Restore did with each persisted record.
type RestoreReport struct {
	Restored []Key
	Skipped  []RestoreFailure
}

type RestoreFailure struct {
	Key Key
	Err error
}

// Restore starts a loop for every persisted record, each with an immediate
// update. Records that fail (invalid key or payload, store error, already
// running) are skipped and reported; they never abort the rest.
func (s *Scheduler) Restore(ctx context.Context, records storage.Snapshot) RestoreReport {
	var keys []Key
	for ch, m := range records {
		for iv := range m {
			keys = append(keys, Key{ChannelID: ch, Interval: iv})
		}
	}
	slices.SortFunc(keys, compareKeys)

	validator, _ := s.pub.(PayloadValidator)

	var rep RestoreReport
	for _, k := range keys {
		if ctx.Err() != nil {
			rep.Skipped = append(rep.Skipped, RestoreFailure{Key: k, Err: ctx.Err()})
			continue
		}
		rec := records[k.ChannelID][k.Interval]
		err := k.validate()
		if err == nil && validator != nil {
			if verr := validator.ValidatePayload(k, rec.Payload); verr != nil {
				err = fmt.Errorf("invalid payload: %w", verr)
			}
		}
		if err == nil {
			err = s.start(ctx, k, rec.Payload, true, true)
		}
		if err != nil {
			level := s.log.Warn
			if errors.Is(err, ErrClosed) {
				level = s.log.Debug
			}
			level("restore skipped", logx.Int64("channel_id", k.ChannelID), logx.Int("interval", k.Interval), logx.Err(err))
			rep.Skipped = append(rep.Skipped, RestoreFailure{Key: k, Err: err})
			continue
		}
		rep.Restored = append(rep.Restored, k)
	}
	s.log.Info("restore finished", logx.Int("restored", len(rep.Restored)), logx.Int("skipped", len(rep.Skipped)))
	return rep
}
