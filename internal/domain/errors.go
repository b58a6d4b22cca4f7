// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrUnknownRunType = errors.New("unknown run type")
var ErrStateKindMismatch = errors.New("application state kind mismatch")
var ErrRevisionConflict = errors.New("run revision conflict")
var ErrTemplateNotFound = errors.New("template not found")
var ErrInvalidTemplate = errors.New("invalid template descriptor")
var ErrRunTypeChanged = errors.New("run type is immutable")
var ErrInvalidRunRecord = errors.New("invalid run record")
var ErrUnknownStateField = errors.New("unknown application state field")
