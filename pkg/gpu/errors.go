/*
 * Copyright 2023 nebuly.com.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gpu

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorCodeNotFound              ErrorCode = "resource-not-found"
	ErrorCodeDeviceNotFound        ErrorCode = "device-not-found"
	ErrorCodePartitionTypeNotFound ErrorCode = "partition-type-not-found"
	ErrorCodePartitionNotFound     ErrorCode = "partition-not-found"
	ErrorCodeCapacityExceeded      ErrorCode = "capacity-exceeded"
	ErrorCodeModeConflict          ErrorCode = "mode-conflict"
	ErrorCodeUnsupported           ErrorCode = "unsupported"
	ErrorCodePermissionDenied      ErrorCode = "permission-denied"
	ErrorCodeDriver                ErrorCode = "driver-error"
)

var (
	// NotFoundErr is returned by the capability ports when a path or an object does not exist.
	NotFoundErr              = errorImpl{code: ErrorCodeNotFound}
	DeviceNotFoundErr        = errorImpl{code: ErrorCodeDeviceNotFound}
	PartitionTypeNotFoundErr = errorImpl{code: ErrorCodePartitionTypeNotFound}
	PartitionNotFoundErr     = errorImpl{code: ErrorCodePartitionNotFound}
	CapacityExceededErr      = errorImpl{code: ErrorCodeCapacityExceeded}
	ModeConflictErr          = errorImpl{code: ErrorCodeModeConflict}
	UnsupportedErr           = errorImpl{code: ErrorCodeUnsupported}
	PermissionDeniedErr      = errorImpl{code: ErrorCodePermissionDenied}
	DriverErr                = errorImpl{code: ErrorCodeDriver}
)

type Error interface {
	error
	Code() ErrorCode
	IsNotFound() bool
}

type errorImpl struct {
	code ErrorCode
	err  error
}

func (e errorImpl) Error() string {
	if e.err == nil {
		return fmt.Sprintf("[code: %s]", e.code)
	}
	return fmt.Sprintf("[code: %s  err: %s]", e.code, e.err.Error())
}

func (e errorImpl) Code() ErrorCode {
	return e.code
}

func (e errorImpl) IsNotFound() bool {
	return e.code == ErrorCodeNotFound
}

func (e errorImpl) Unwrap() error {
	return e.err
}

// Is reports whether target carries the same error code, so that
// errors.Is(err, gpu.ModeConflictErr) holds for any mode conflict.
func (e errorImpl) Is(target error) bool {
	var other Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code() == e.code
}

func (e errorImpl) Errorf(format string, args ...any) Error {
	e.err = fmt.Errorf(format, args...)
	return e
}

// Wrap returns an error with the code of e and err as its cause.
func (e errorImpl) Wrap(err error) Error {
	e.err = err
	return e
}

func IgnoreNotFound(err Error) Error {
	if err == nil {
		return nil
	}
	if err.IsNotFound() {
		return nil
	}
	return err
}

func IsNotFound(err error) bool {
	return HasCode(err, ErrorCodeNotFound)
}

// HasCode returns true if the first gpu.Error found in the chain of err has the given code.
func HasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var gpuErr Error
	if !errors.As(err, &gpuErr) {
		return false
	}
	return gpuErr.Code() == code
}

// CodeOf returns the code of err, or ErrorCodeDriver when err is not a gpu.Error.
func CodeOf(err error) ErrorCode {
	var gpuErr Error
	if errors.As(err, &gpuErr) {
		return gpuErr.Code()
	}
	return ErrorCodeDriver
}

// AsDriverError keeps gpu errors as they are and classifies any other error as driver error.
func AsDriverError(err error) Error {
	if err == nil {
		return nil
	}
	var gpuErr Error
	if errors.As(err, &gpuErr) {
		return gpuErr
	}
	return DriverErr.Wrap(err)
}

// NotFoundAsDriverError classifies a gpu.NotFoundErr returned by a port as driver error,
// for callers that expect the addressed object to exist.
func NotFoundAsDriverError(err Error) Error {
	if err == nil {
		return nil
	}
	if err.IsNotFound() {
		return DriverErr.Wrap(err)
	}
	return err
}
