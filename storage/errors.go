// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/juju/errors"
)

const (
	// ErrTransient marks failures caused by the network, throttling or an
	// overloaded service. They are retried.
	ErrTransient = errors.ConstError("transient storage error")
	// ErrPermanent marks failures that can not succeed on retry such as
	// authentication failures or malformed requests.
	ErrPermanent = errors.ConstError("permanent storage error")
)

type classified struct {
	class error
	cause error
}

func (e *classified) Error() string {
	return e.class.Error() + ": " + e.cause.Error()
}

func (e *classified) Unwrap() []error {
	return []error{e.class, e.cause}
}

// Transient wraps err as a transient storage error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrTransient, cause: err}
}

// Permanent wraps err as a permanent storage error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrPermanent, cause: err}
}

// IsTransient is the retry predicate of storage gateways.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ClassifyStatus maps an HTTP status code of a storage service to an error class.
func ClassifyStatus(status int, err error) error {
	switch {
	case status == http.StatusNotFound:
		return errors.NewNotFound(err, "")
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return Transient(err)
	case status >= http.StatusBadRequest:
		return Permanent(err)
	}
	return ClassifyNetwork(err)
}

// ClassifyNetwork recognizes timeouts and broken connections. Errors that are
// already classified or not found are returned as they are, and anything else
// is permanent.
func ClassifyNetwork(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) || errors.Is(err, errors.NotFound) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.As(err, &netErr) {
		return Transient(err)
	}
	return Permanent(err)
}
