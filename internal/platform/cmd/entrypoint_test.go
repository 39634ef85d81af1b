package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Address string `env:"CMD_TEST_ADDRESS" envDefault:"127.0.0.1:8080"`
	Mode    string `env:"CMD_TEST_MODE" envDefault:"server"`
}

func TestParseConfigReadsEnvAndFlags(t *testing.T) {
	t.Setenv("CMD_TEST_ADDRESS", "env:9000")
	t.Setenv("CMD_TEST_MODE", "env-mode")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := testConfig{}
	require.NoError(t, ParseConfig(&cfg))
	fs.StringVar(&cfg.Address, "address", cfg.Address, "address")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "mode")

	require.NoError(t, ParseArgs(fs, []string{"-address", "flag:9001"}))
	assert.Equal(t, "flag:9001", cfg.Address)
	assert.Equal(t, "env-mode", cfg.Mode)
}

func TestParseConfigRequiresTarget(t *testing.T) {
	var cfg *testConfig
	require.Error(t, ParseConfig(cfg))
	require.Error(t, ParseArgs(nil, nil))
}

func TestRunWithTelemetryValidatesInputs(t *testing.T) {
	require.Error(t, RunWithTelemetry(context.Background(), " ", func(context.Context) error { return nil }))
	require.Error(t, RunWithTelemetry(context.Background(), ServiceOffsyncd, nil))
}

func TestRunWithTelemetryReturnsRunError(t *testing.T) {
	t.Setenv("OFFSYNC_OTEL_ENDPOINT", "")
	want := errors.New("run failed")

	err := RunWithTelemetry(context.Background(), ServiceOffsyncd, func(context.Context) error { return want })
	require.ErrorIs(t, err, want)
}
