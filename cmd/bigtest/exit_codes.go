package main

import (
	"errors"

	bterrors "github.com/odvcencio/bigtest/pkg/errors"
)

// Exit codes: 1 for failed runs and runtime errors, 2 for usage and
// configuration problems.
const (
	exitFailure = 1
	exitUsage   = 2
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	switch bterrors.GetCode(err) {
	case bterrors.ErrCodeConfigLoad, bterrors.ErrCodeConfigParse, bterrors.ErrCodeConfigInvalid,
		bterrors.ErrCodeManifestLoad, bterrors.ErrCodeManifestInvalid, bterrors.ErrCodeInvalidInput:
		return exitUsage
	}
	return exitFailure
}
