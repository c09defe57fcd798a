package common

import (
	"fmt"
	"slices"

	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

// NewErrProcessingError prefixes err with reason. Sentinels stay visible to errors.Is.
func NewErrProcessingError(err error, category string, inputs []pipeline.Input, reason string, args ...any) pipeline.ErrProcessingError {
	return pipeline.NewErrProcessingError(fmt.Errorf("%s: %w", fmt.Sprintf(reason, args...), err), category, inputs)
}

func NewRetryableErrProcessingError(err error, category string, inputs []pipeline.Input, reason string, args ...any) pipeline.ErrProcessingError {
	return NewErrProcessingError(pipeline.NewErrRetryableError(err), category, inputs, reason, args...)
}

// FieldInputs turns fields into processing error inputs, in key order. Empty values are skipped.
func FieldInputs(source string, fields map[string]string) []pipeline.Input {
	keys := make([]string, 0, len(fields))

	for k, v := range fields {
		if v != "" {
			keys = append(keys, k)
		}
	}

	slices.Sort(keys)

	ret := make([]pipeline.Input, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, pipeline.Input{Source: source, Key: k, Value: []byte(fields[k])})
	}

	return ret
}
