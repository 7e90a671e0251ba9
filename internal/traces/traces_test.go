package traces

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/escrowd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_NoopProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "escrow.Create", EscrowID("esc_1"), Amount(100))
	defer span.End()
	assert.NotNil(t, ctx)

	err := errors.New("boom")
	assert.Equal(t, err, Fail(span, err, "create failed"))
}
