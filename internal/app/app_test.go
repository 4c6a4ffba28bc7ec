package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sequencer/internal/config"
	"sequencer/internal/domain/generator"
	"sequencer/internal/domain/sequence"
	"sequencer/internal/infrastructure/lock"
	"sequencer/pkg/logger"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Sequences = []config.SequenceSpec{
		{Name: "invoice", Scope: "kyiv", Pattern: "INV-{COUNTER:4}"},
	}
	return cfg
}

func TestNew_MemoryBackendSyncAndGenerate(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()

	a, err := New(ctx, cfg, logger.Nop())
	require.NoError(t, err)
	defer a.Close(ctx)

	assert.Nil(t, a.History)
	assert.NoError(t, a.Migrate(ctx), "migrate is a no-op without postgres")

	defs, err := cfg.Definitions()
	require.NoError(t, err)
	require.NoError(t, a.Sync(ctx, defs))
	require.NoError(t, a.Sync(ctx, defs), "sync is idempotent")

	n, err := a.Engine.Generate(ctx, generator.Request{Key: sequence.NewKey("invoice", "kyiv")})
	require.NoError(t, err)
	assert.Equal(t, "INV-0001", n)
}

func TestSync_CollectsErrors(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), logger.Nop())
	require.NoError(t, err)
	defer a.Close(ctx)

	bad := &sequence.Sequence{Key: sequence.NewKey("broken", ""), Pattern: "NO-COUNTER"}
	good := &sequence.Sequence{Key: sequence.NewKey("receipt", ""), Pattern: "R-{COUNTER}", Active: true}

	err = a.Sync(ctx, []*sequence.Sequence{bad, good})
	assert.ErrorContains(t, err, "apply broken")

	_, err = a.Engine.Get(ctx, good.Key)
	assert.NoError(t, err, "one bad definition does not block the others")
}

func TestLocker_LocalWithoutRedis(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), logger.Nop())
	require.NoError(t, err)
	defer a.Close(ctx)

	locker, closeFn, err := a.Locker()
	require.NoError(t, err)
	assert.IsType(t, &lock.LocalLocker{}, locker)
	assert.NoError(t, closeFn())
}
