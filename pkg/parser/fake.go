package parser

import (
	"context"
)

// Fake is a scripted parser for tests: it returns the configured result or
// error regardless of input, and records what it was asked to parse.
type Fake struct {
	Result *Result
	Err    error

	Filenames []string
}

func (f *Fake) Parse(ctx context.Context, filename string, file []byte) (*Result, error) {
	f.Filenames = append(f.Filenames, filename)
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Result, nil
}
