package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "orderdesk", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure, "exporters must be secure unless opted out")
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
}

func TestDisabledProviderIsNoOp(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, &Config{Enabled: false, ServiceName: "orderdesk-test"})
	require.NoError(t, err)
	require.NotNil(t, p)

	// No instruments were created, so every record path must be a no-op
	// rather than a panic.
	p.RecordRequest(ctx, attribute.String("op", "parse"))
	p.RecordError(ctx, errors.New("boom"))
	p.RecordDuration(ctx, 42*time.Millisecond)
	p.RecordCaseStarted(ctx, "tenant-a")
	p.RecordCaseCompleted(ctx, "tenant-a")
	p.RecordCaseFailed(ctx, "tenant-a", "FAILED")
	p.RecordCommittee(ctx, "majority", time.Second)
	p.RecordParse(ctx, 120*time.Millisecond)
	p.RecordDraft(ctx, "tenant-a", 300*time.Millisecond)
	p.RecordFingerprintHit(ctx, "tenant-a")

	assert.NoError(t, p.Shutdown(ctx))
}

func TestDisabledProviderTrackOperation(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	opCtx, done := p.TrackOperation(ctx, "committee.round",
		attribute.String("case.id", "case-1"),
	)
	require.NotNil(t, opCtx)
	require.NotNil(t, done)

	done(nil)

	// A second operation completing with an error must also be safe.
	_, done = p.TrackOperation(ctx, "draft.create")
	done(errors.New("provider unavailable"))
}

func TestNilProviderIsSafe(t *testing.T) {
	ctx := context.Background()

	var p *Provider

	// Components accept an optional provider; a nil receiver must behave
	// like a disabled one.
	p.RecordCaseStarted(ctx, "tenant-a")
	p.RecordCaseFailed(ctx, "tenant-a", "CANCELLED")
	p.RecordCommittee(ctx, "unanimous", 2*time.Second)
	p.RecordParse(ctx, time.Millisecond)
	p.RecordDraft(ctx, "tenant-a", time.Millisecond)
	p.RecordFingerprintHit(ctx, "tenant-a")
	p.RecordRequest(ctx)
	p.RecordError(ctx, errors.New("boom"))
	p.RecordDuration(ctx, time.Second)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	opCtx, done := p.TrackOperation(ctx, "parse.workbook")
	require.NotNil(t, opCtx)
	done(errors.New("boom"))
}

func TestStartSpanOnDisabledProvider(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	spanCtx, span := p.StartSpan(ctx, "case.pipeline")
	require.NotNil(t, span)
	assert.NotNil(t, spanCtx)
	span.End()
}
