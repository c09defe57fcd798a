package common_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/secplat/posture-pipeline/internal/common"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

var errCause = errors.New("cause")

func TestNewErrProcessingError(t *testing.T) {
	err := common.NewErrProcessingError(errCause, "incident", nil, "failed to create %s", "it")

	assert.EqualError(t, err, "failed to create it: cause")
	assert.ErrorIs(t, err, errCause)
	assert.Equal(t, "incident", err.Category)
	assert.Equal(t, pipeline.OutcomeRetryable, pipeline.Classify(err))

	retryable := common.NewRetryableErrProcessingError(errCause, "notification", nil, "slack")
	assert.ErrorIs(t, retryable, pipeline.ErrRetryableError)
	assert.ErrorIs(t, retryable, errCause)
}

func TestFieldInputs(t *testing.T) {
	inputs := common.FieldInputs("incident", map[string]string{"title": "t", "assets": "a1,a2", "severity": ""})

	assert.Equal(t, []pipeline.Input{
		{Source: "incident", Key: "assets", Value: []byte("a1,a2")},
		{Source: "incident", Key: "title", Value: []byte("t")},
	}, inputs)

	assert.Empty(t, common.FieldInputs("incident", nil))
}
