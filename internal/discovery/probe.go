package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// probeParser accepts 5-field, 6-field (leading seconds) and @every/@hourly
// style schedules.
var probeParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Probe lists every configured server directly, bypassing the catalog cache,
// so breakers and the readiness check follow servers no request is using.
// Servers whose breaker is still cooling down are skipped and reported with
// the breaker error. The result maps server name to nil on success.
func (d *Discovery) Probe(ctx context.Context) map[string]error {
	servers := d.Servers()
	results := make(map[string]error, len(servers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, s := range servers {
		wg.Add(1)
		go func(s Server) {
			defer wg.Done()
			err := d.probe(ctx, s)
			mu.Lock()
			results[s.Name] = err
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	return results
}

func (d *Discovery) probe(ctx context.Context, s Server) error {
	adapter, ok := d.adapters[s.Transport]
	if !ok {
		return fmt.Errorf("no adapter for transport %q", s.Transport)
	}
	breaker := d.breakers.Get(s.Name)
	if err := breaker.Allow(ctx); err != nil {
		return err
	}
	_, err := d.fetch(ctx, adapter, breaker, s, "")
	return err
}

// StartProbes runs Probe on schedule until ctx ends or stop is called. Each
// probe gets timeout; overlapping runs are skipped.
func (d *Discovery) StartProbes(ctx context.Context, schedule string, timeout time.Duration) (stop func(), err error) {
	sched, err := probeParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("tool probe schedule %q: %w", schedule, err)
	}

	c := cron.New(cron.WithParser(probeParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(func() {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		failed := 0
		for name, err := range d.Probe(pctx) {
			if err != nil {
				failed++
				d.logger.Debug("tool server probe failed", "tool_server", name, "error", err)
			}
		}
		d.logger.Debug("tool servers probed", "failed", failed)
	}))
	c.Start()

	var once sync.Once
	stop = func() {
		once.Do(func() { <-c.Stop().Done() })
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	d.logger.Info("tool server probes scheduled", "schedule", schedule)
	return stop, nil
}
