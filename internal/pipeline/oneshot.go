package pipeline

import (
	"time"

	"invoicematch/internal"
)

// EvaluateFile runs one file through the engine without recording anything.
func EvaluateFile(engine *Engine, path string, processedAt time.Time) (internal.ProcessingResult, error) {
	inv, _, _, err := ReadInvoiceFile(path)
	if err != nil {
		return internal.ProcessingResult{}, err
	}
	return engine.Process(inv, processedAt), nil
}
