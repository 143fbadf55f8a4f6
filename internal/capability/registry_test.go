package capability

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/bus/bustest"
	"github.com/loqalabs/loqa-interview/internal/config"
)

func TestFromConfigSkipsDisabledEngines(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Enabled = false
	engines := FromConfig(cfg)
	if len(engines) != 2 || engines[0].Name != EngineLLM || engines[1].Name != EngineTTS {
		t.Fatalf("unexpected engines %+v", engines)
	}
	if engines[0].Mode != "mock" || engines[0].Model != cfg.LLM.ModelBalanced {
		t.Fatalf("unexpected llm engine %+v", engines[0])
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRegistryLearnsRemoteEngines(t *testing.T) {
	client := bustest.Start(t)
	ctx := context.Background()
	nodeCfg := config.NodeConfig{ID: "gateway", Role: "gateway", HeartbeatInterval: 50, HeartbeatTimeout: 500}

	gateway, err := NewRegistry(ctx, nodeCfg, nil, client, bustest.Logger())
	if err != nil {
		t.Fatalf("gateway registry: %v", err)
	}
	t.Cleanup(gateway.Close)
	if !gateway.Healthy() {
		t.Fatal("local node should be healthy after announce")
	}
	if missing := gateway.Missing(EngineLLM, EngineTTS); len(missing) != 2 {
		t.Fatalf("expected both engines missing, got %v", missing)
	}

	engineCfg := nodeCfg
	engineCfg.ID = "engine-1"
	engineCfg.Role = "engine"
	engines, err := NewRegistry(ctx, engineCfg, []Engine{{Name: EngineLLM, Mode: "mock"}, {Name: EngineTTS, Mode: "mock"}}, client, bustest.Logger())
	if err != nil {
		t.Fatalf("engine registry: %v", err)
	}

	waitFor(t, func() bool { return len(gateway.Missing(EngineLLM, EngineTTS)) == 0 })
	if missing := gateway.Missing(EngineLLM, EngineTTS, EngineSTT); len(missing) != 1 || missing[0] != EngineSTT {
		t.Fatalf("expected only stt missing, got %v", missing)
	}
	nodes := gateway.Nodes()
	if len(nodes) != 2 || nodes[1].ID != "engine-1" || nodes[1].Role != "engine" || !nodes[1].Serves(EngineTTS) {
		t.Fatalf("unexpected nodes %+v", nodes)
	}

	engines.Close()
	waitFor(t, func() bool { return len(gateway.Missing(EngineLLM)) == 1 })
}

func TestSilentNodeExpires(t *testing.T) {
	client := bustest.Start(t)
	r, err := NewRegistry(context.Background(), config.NodeConfig{ID: "gateway", HeartbeatInterval: 1000, HeartbeatTimeout: 3000}, nil, client, bustest.Logger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(r.Close)

	r.observe(presence{NodeID: "engine-2", Engines: []Engine{{Name: EngineSTT}}}, time.Now().Add(-4*time.Second))

	if missing := r.Missing(EngineSTT); len(missing) != 1 {
		t.Fatalf("stale node still counted: %v", missing)
	}
	r.observe(presence{NodeID: "engine-2", Engines: []Engine{{Name: EngineSTT}}}, time.Now())
	if missing := r.Missing(EngineSTT); len(missing) != 0 {
		t.Fatalf("fresh node not counted: %v", missing)
	}
}
