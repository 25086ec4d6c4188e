package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/felipepmaragno/agent-gateway/internal/cache"
	"github.com/felipepmaragno/agent-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/transport"
)

func TestProbe(t *testing.T) {
	hook := &MockAdapter{
		KindValue: transport.KindWebhook,
		ListToolsFunc: func(ctx context.Context, ep transport.Endpoint) ([]domain.ToolDescriptor, error) {
			if ep.Server == "billing" {
				return nil, errors.New("status 503")
			}
			return descs("search"), nil
		},
		CallToolFunc: func(ctx context.Context, ep transport.Endpoint, name string, args json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		},
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Minute})
	d := New(nil, []transport.Adapter{hook}, WithBreakers(breakers))
	d.SetServers([]Server{
		server("crm", transport.KindWebhook),
		server("billing", transport.KindWebhook),
		server("legacy", "ftp"),
	})

	for i := 0; i < 2; i++ {
		got := d.Probe(context.Background())
		if len(got) != 3 {
			t.Fatalf("Probe() returned %d results, want 3", len(got))
		}
		if got["crm"] != nil {
			t.Errorf("crm = %v, want nil", got["crm"])
		}
		if got["billing"] == nil {
			t.Error("billing probe succeeded")
		}
		if got["legacy"] == nil {
			t.Error("server with unknown transport probed ok")
		}
	}

	if s := breakers.Get("billing").State(context.Background()); s != circuitbreaker.StateOpen {
		t.Fatalf("billing breaker = %s, want open", s)
	}
	lists := hook.lists.Load()
	got := d.Probe(context.Background())
	if !errors.Is(got["billing"], domain.ErrCircuitBreakerOpen) {
		t.Errorf("billing = %v, want ErrCircuitBreakerOpen", got["billing"])
	}
	if hook.lists.Load() != lists+1 {
		t.Errorf("lists = %d, want only crm listed again", hook.lists.Load()-lists)
	}
}

func TestProbe_BypassesCache(t *testing.T) {
	hook := &MockAdapter{
		KindValue: transport.KindWebhook,
		ListToolsFunc: func(ctx context.Context, ep transport.Endpoint) ([]domain.ToolDescriptor, error) {
			return descs("search"), nil
		},
	}
	d := New(nil, []transport.Adapter{hook}, WithCache(cache.NewInMemoryCache(), time.Hour))
	d.SetServers([]Server{server("crm", transport.KindWebhook)})

	if _, err := d.Build(context.Background(), ""); err != nil {
		t.Fatalf("Build: %v", err)
	}
	d.Probe(context.Background())
	d.Probe(context.Background())

	if n := hook.lists.Load(); n != 3 {
		t.Errorf("lists = %d, want 3 (one build, two probes)", n)
	}
}

func TestStartProbes_InvalidSchedule(t *testing.T) {
	d := New(nil, nil)
	if _, err := d.StartProbes(context.Background(), "every minute", time.Second); err == nil {
		t.Error("StartProbes accepted an invalid schedule")
	}
}

func TestStartProbes_StopIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := New(nil, nil)

	stop, err := d.StartProbes(ctx, "@every 1h", time.Second)
	if err != nil {
		t.Fatalf("StartProbes: %v", err)
	}
	stop()
	cancel()
	stop()
}
