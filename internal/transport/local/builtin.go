package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"
)

type currentDateTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone such as America/Mexico_City. Defaults to UTC."`
}

type dateDiffArgs struct {
	From string `json:"from" jsonschema:"description=Start date (YYYY-MM-DD)"`
	To   string `json:"to" jsonschema:"description=End date (YYYY-MM-DD)"`
}

const dateLayout = "2006-01-02"

// RegisterBuiltins installs the date helpers every deployment gets. now is
// injectable for tests.
func RegisterBuiltins(a *Adapter, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}

	err := a.Register("current_datetime",
		"Returns the current date, time and weekday in a time zone. Use it to resolve relative dates like today or tomorrow.",
		&currentDateTimeArgs{},
		func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args currentDateTimeArgs
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
			}
			loc := time.UTC
			if args.Timezone != "" {
				l, err := time.LoadLocation(args.Timezone)
				if err != nil {
					return nil, fmt.Errorf("unknown time zone %q", args.Timezone)
				}
				loc = l
			}
			t := now().In(loc)
			return map[string]any{
				"datetime": t.Format(time.RFC3339),
				"date":     t.Format(dateLayout),
				"time":     t.Format("15:04"),
				"weekday":  t.Weekday().String(),
				"timezone": loc.String(),
			}, nil
		})
	if err != nil {
		return err
	}

	return a.Register("date_diff",
		"Returns the number of days from one date to another.",
		&dateDiffArgs{},
		func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args dateDiffArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			if args.From == "" || args.To == "" {
				return nil, errors.New("from and to are required")
			}
			from, err := time.Parse(dateLayout, args.From)
			if err != nil {
				return nil, fmt.Errorf("invalid from date: %w", err)
			}
			to, err := time.Parse(dateLayout, args.To)
			if err != nil {
				return nil, fmt.Errorf("invalid to date: %w", err)
			}
			return map[string]any{"days": int(to.Sub(from).Hours() / 24)}, nil
		})
}
