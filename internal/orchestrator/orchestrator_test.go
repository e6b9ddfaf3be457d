package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelscript-ai/reelscript/internal/provider"
	"github.com/reelscript-ai/reelscript/internal/provider/mock"
	"github.com/reelscript-ai/reelscript/internal/script"
)

var testReq = script.Request{
	ProductName:    "Glow Serum",
	Niche:          "skincare",
	TargetAudience: "women 25-40",
}

func failing(id string) *mock.Adapter {
	return mock.New(
		mock.WithID(id),
		mock.WithError(provider.NewError(id, provider.CodeUnavailable, "down", nil)),
	)
}

func TestGenerateFallsThroughToFirstSuccess(t *testing.T) {
	o := New()
	a := failing("a")
	b := failing("b")
	c := mock.New(mock.WithID("c"), mock.WithModel("c-model"))

	require.NoError(t, o.Register(a, 1))
	require.NoError(t, o.Register(b, 2))
	require.NoError(t, o.Register(c, 3))

	gen, err := o.Generate(context.Background(), testReq)
	require.NoError(t, err)
	assert.Equal(t, "c", gen.Metrics.ProviderID)
	assert.Equal(t, "c-model", gen.Metrics.Model)
	assert.True(t, gen.Metrics.Success)
	assert.NotEmpty(t, gen.Result.Script)

	// Every higher-priority adapter was tried once.
	assert.EqualValues(t, 1, a.CallCount())
	assert.EqualValues(t, 1, b.CallCount())
	assert.EqualValues(t, 1, c.CallCount())

	last := o.LastMetrics()
	require.NotNil(t, last)
	assert.Equal(t, "c", last.ProviderID)
}

func TestGeneratePriorityOrderWithTies(t *testing.T) {
	o := New()
	first := mock.New(mock.WithID("first"))
	tied := mock.New(mock.WithID("tied"))
	low := mock.New(mock.WithID("low"))

	// Registration order breaks the priority tie.
	require.NoError(t, o.Register(low, 5))
	require.NoError(t, o.Register(first, 1))
	require.NoError(t, o.Register(tied, 1))

	gen, err := o.Generate(context.Background(), testReq)
	require.NoError(t, err)
	assert.Equal(t, "first", gen.Metrics.ProviderID)
	assert.EqualValues(t, 0, tied.CallCount())
	assert.EqualValues(t, 0, low.CallCount())
}

func TestGenerateNoProvidersEnabled(t *testing.T) {
	o := New()
	_, err := o.Generate(context.Background(), testReq)
	assert.ErrorIs(t, err, provider.ErrNoProvidersAvailable)

	require.NoError(t, o.Register(mock.New(mock.WithID("only")), 1))
	require.NoError(t, o.SetEnabled("only", false))
	_, err = o.Generate(context.Background(), testReq)
	assert.ErrorIs(t, err, provider.ErrNoProvidersAvailable)
}

func TestGenerateAllFailPreservesLastError(t *testing.T) {
	o := New()
	require.NoError(t, o.Register(failing("a"), 1))
	lastErr := provider.NewError("b", provider.CodeRateLimited, "slow down", nil)
	require.NoError(t, o.Register(mock.New(mock.WithID("b"), mock.WithError(lastErr)), 2))

	_, err := o.Generate(context.Background(), testReq)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrAllProvidersFailed)
	assert.ErrorIs(t, err, lastErr)

	// No successful generation, so no last metrics.
	assert.Nil(t, o.LastMetrics())
}

func TestGenerateSkipsDisabled(t *testing.T) {
	o := New()
	primary := mock.New(mock.WithID("primary"))
	backup := mock.New(mock.WithID("backup"))
	require.NoError(t, o.Register(primary, 1))
	require.NoError(t, o.Register(backup, 2))

	require.NoError(t, o.SetEnabled("primary", false))

	gen, err := o.Generate(context.Background(), testReq)
	require.NoError(t, err)
	assert.Equal(t, "backup", gen.Metrics.ProviderID)
	assert.EqualValues(t, 0, primary.CallCount())
}

func TestSetEnabledUnknownProvider(t *testing.T) {
	o := New()
	err := o.SetEnabled("nope", true)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRegisterDuplicate(t *testing.T) {
	o := New()
	require.NoError(t, o.Register(mock.New(mock.WithID("dup")), 1))
	err := o.Register(mock.New(mock.WithID("dup")), 2)
	assert.ErrorIs(t, err, ErrDuplicateProvider)
}

func TestGenerateVariationsPartialBatch(t *testing.T) {
	o := New()
	// Succeeds twice, then the whole chain fails.
	flaky := mock.New(mock.WithID("flaky"), mock.WithFailAfter(2))
	require.NoError(t, o.Register(flaky, 1))

	results, err := o.GenerateVariations(context.Background(), testReq, 5)
	require.NoError(t, err, "a partial batch is a valid outcome")
	assert.Len(t, results, 2)
}

func TestGenerateVariationsEmptyBatchIsError(t *testing.T) {
	o := New()
	require.NoError(t, o.Register(failing("a"), 1))

	_, err := o.GenerateVariations(context.Background(), testReq, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrAllProvidersFailed)
}

func TestGenerateVariationsInvalidCount(t *testing.T) {
	o := New()
	require.NoError(t, o.Register(mock.New(), 1))

	_, err := o.GenerateVariations(context.Background(), testReq, 0)
	assert.ErrorIs(t, err, ErrInvalidVariationCount)
	_, err = o.GenerateVariations(context.Background(), testReq, -2)
	assert.ErrorIs(t, err, ErrInvalidVariationCount)
}

func TestIsAvailableAggregates(t *testing.T) {
	o := New()
	require.NoError(t, o.Register(mock.New(mock.WithID("down"), mock.WithAvailability(false)), 1))
	assert.False(t, o.IsAvailable(context.Background()))

	require.NoError(t, o.Register(mock.New(mock.WithID("up"), mock.WithAvailability(true)), 2))
	assert.True(t, o.IsAvailable(context.Background()))
}

func TestErrAllProvidersFailedWrapsUnderlying(t *testing.T) {
	o := New()
	cause := provider.NewError("a", provider.CodeQuotaExceeded, "cap", nil)
	require.NoError(t, o.Register(mock.New(mock.WithID("a"), mock.WithError(cause)), 1))

	_, err := o.Generate(context.Background(), testReq)
	require.Error(t, err)

	// The canonical code survives the wrapping for policy classification.
	assert.Equal(t, provider.CodeQuotaExceeded, provider.CodeOf(err))

	var pe *provider.Error
	assert.True(t, errors.As(err, &pe))
}
