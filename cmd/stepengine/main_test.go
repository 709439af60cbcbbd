package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/stepengine/access"
	"github.com/GoCodeAlone/stepengine/config"
)

const testRun = `
scope:
  account: acct
  org: platform
  project: payments
  run: ${TEST_RUN_ID}
principal:
  id: ci
  roles: [admin]
poll: 10ms
steps:
  - name: create-net
    type: stack.create
    timeout: 5s
    params:
      provisionerId: network
      connector: aws
      stackName: net
      templateConnector: account.templates
      templatePath: net.yaml
  - type: stack.rollback
    timeout: 5s
    params:
      provisionerId: network
      connector: aws
      inheritFrom: create-net
`

func TestParseRunFile(t *testing.T) {
	t.Setenv("TEST_RUN_ID", "run-42")
	rf, err := parseRunFile([]byte(testRun))
	if err != nil {
		t.Fatalf("parseRunFile: %v", err)
	}
	if rf.Scope.Run != "run-42" {
		t.Errorf("Run = %q, want run-42", rf.Scope.Run)
	}
	if len(rf.Principal.Roles) != 1 || rf.Principal.Roles[0] != access.RoleAdmin {
		t.Errorf("Principal = %+v", rf.Principal)
	}
	if rf.Steps[1].Name != "step-2" {
		t.Errorf("unnamed step Name = %q, want step-2", rf.Steps[1].Name)
	}
	if rf.Steps[0].Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", rf.Steps[0].Timeout)
	}
}

func TestParseRunFileRejects(t *testing.T) {
	tests := map[string]string{
		"no scope": "steps:\n  - type: stack.create\n",
		"no steps": "scope: {account: a, org: b, project: c}\n",
		"no type":  "scope: {account: a, org: b, project: c}\nsteps:\n  - name: x\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := parseRunFile([]byte(raw)); err == nil {
				t.Error("parseRunFile succeeded, want error")
			}
		})
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	newLogger(&buf, "json", level).Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json output = %q", buf.String())
	}

	buf.Reset()
	level.Set(slog.LevelWarn)
	logger := newLogger(&buf, "text", level)
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
	level.Set(slog.LevelInfo)
	logger.Info("shown")
	if !strings.Contains(buf.String(), "msg=shown") {
		t.Errorf("text output = %q", buf.String())
	}
}

func testConfig() *config.EngineConfig {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.Catalog.Connectors = []access.Connector{
		{ID: "acct/platform/payments/aws", Provider: "aws", Region: "us-east-1", Selectors: []string{"aws"}},
		{ID: "acct/templates", Provider: "git"},
	}
	cfg.Simulator = config.SimulatorConfig{
		Enabled:   true,
		Selectors: []string{"aws"},
		Templates: map[string]string{"acct/templates:net.yaml": "Resources: {}"},
	}
	return cfg
}

func TestBuildRunsStepsAgainstSimulator(t *testing.T) {
	t.Setenv("TEST_RUN_ID", "run-1")
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := context.Background()

	e, err := build(ctx, testConfig(), logger)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { e.close(logger) })

	rf, err := parseRunFile([]byte(testRun))
	if err != nil {
		t.Fatalf("parseRunFile: %v", err)
	}
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rf.execute(runCtx, e.executor, logger); err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := []string{"stack.create", "stack.delete", "stack.rollback"}
	if got := e.executor.Types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Types() = %v, want %v", got, want)
	}
}

func TestExecuteStopsOnFailure(t *testing.T) {
	t.Setenv("TEST_RUN_ID", "run-2")
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	cfg := testConfig()
	cfg.Simulator.Templates = nil

	e, err := build(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { e.close(logger) })

	rf, _ := parseRunFile([]byte(testRun))
	err = rf.execute(context.Background(), e.executor, logger)
	if err == nil || !strings.Contains(err.Error(), "create-net") {
		t.Fatalf("execute error = %v, want create-net failure", err)
	}
	if !strings.Contains(err.Error(), "template acct/templates:net.yaml not found") {
		t.Errorf("error %q does not carry the worker message", err)
	}
}
