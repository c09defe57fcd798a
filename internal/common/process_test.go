package common_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/secplat/posture-pipeline/internal/common"
)

func TestClosers(t *testing.T) {
	var (
		closers common.Closers
		order   []string
	)

	errPool := errors.New("pool")

	closers.Add(func(context.Context) error {
		order = append(order, "pool")

		return errPool
	})
	closers.Add(func(context.Context) error {
		order = append(order, "transport")

		return nil
	})

	err := closers.Close(context.Background())

	assert.Equal(t, []string{"transport", "pool"}, order, "latest acquired is released first")
	assert.ErrorIs(t, err, errPool)

	assert.NoError(t, common.Closers{}.Close(context.Background()))
}
