package traces

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baggo/baggo/internal/logging"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_End(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "ledger.credit", UserID("usr_1"), Amount("10.00"))
	require.NotNil(t, ctx)
	End(span, errors.New("boom"))
	End(span, nil)
}
