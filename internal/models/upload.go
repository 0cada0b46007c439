package models

import (
	"fmt"
	"time"
)

// UploadTask is the instruction returned by a single poll. It is one of
// Upload, Wait or Done.
type UploadTask interface {
	uploadTask()
}

// Upload asks the caller to send Request.
type Upload struct {
	Request PingRequest
}

// Wait asks the caller to come back after Duration.
type Wait struct {
	Duration time.Duration
}

// Done tells the caller there is nothing left to do in this session.
type Done struct{}

func (Upload) uploadTask() {}
func (Wait) uploadTask()   {}
func (Done) uploadTask()   {}

// UploadResult is the outcome of one upload attempt. It is one of
// HTTPStatus, RecoverableFailure, UnrecoverableFailure or Incapable.
type UploadResult interface {
	uploadResult()
	String() string
}

// HTTPStatus means the server answered with Code.
type HTTPStatus struct {
	Code int
}

// RecoverableFailure means the attempt failed but may succeed later,
// e.g. the network was down.
type RecoverableFailure struct {
	Err error
}

// UnrecoverableFailure means the request can never be sent, e.g. the
// URL is malformed.
type UnrecoverableFailure struct {
	Err error
}

// Incapable means the uploader lacks a capability the request requires.
type Incapable struct{}

func (HTTPStatus) uploadResult()           {}
func (RecoverableFailure) uploadResult()   {}
func (UnrecoverableFailure) uploadResult() {}
func (Incapable) uploadResult()            {}

func (s HTTPStatus) String() string { return fmt.Sprintf("http_status(%d)", s.Code) }

func (f RecoverableFailure) String() string {
	if f.Err == nil {
		return "recoverable_failure"
	}
	return "recoverable_failure: " + f.Err.Error()
}

func (f UnrecoverableFailure) String() string {
	if f.Err == nil {
		return "unrecoverable_failure"
	}
	return "unrecoverable_failure: " + f.Err.Error()
}

func (Incapable) String() string { return "incapable" }

// UploadTaskAction tells the upload loop whether to poll again.
type UploadTaskAction int

const (
	// ActionNext continues the loop with another poll
	ActionNext UploadTaskAction = iota
	// ActionEnd stops the current loop
	ActionEnd
)

func (a UploadTaskAction) String() string {
	if a == ActionEnd {
		return "end"
	}
	return "next"
}
