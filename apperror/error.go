// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package apperror implements the closed enumeration of error kinds shared
// across the cluster bus, the call broker RPC surface and the pulse node's
// local SFU logic. It generalizes the sentinel-error style of
// service/store (ErrNotFound, ErrConflict) into a single typed error that
// carries a Kind and, for a few kinds, structured fields.
package apperror

import "fmt"

// Kind enumerates every error the system can surface to a caller. It is
// closed: new call sites must reuse one of these, never fmt.Errorf a new
// ad-hoc condition that should have been here.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindUnimplemented
	KindInvalidMethod
	KindInvalidRequestID
	KindInternalError
	KindMissingPermission
	KindInvalidToken
	KindNotAuthenticated
	KindMessageTooLong
	KindMessageEmpty
	KindNameTooLong
	KindNameEmpty
	KindInvalidInvite
	KindInviteExpired
	KindInviteAlreadyUsed
	KindChannelFull
	KindAlreadyExists
	KindNoVoiceNodesAvailable
	KindDatabaseError
	KindBlocked
	KindAlreadyFriends
	KindAlreadyRequested
	KindNotFriends

	// SFU-local kinds.
	KindInvalidCall
	KindFailedToAuthenticate
	KindAlreadyConnected
	KindRtcError
	KindSocketError
	KindSerializeError
)

var tags = map[Kind]string{
	KindUnknown:               "UNKNOWN",
	KindNotFound:              "NOT_FOUND",
	KindUnimplemented:         "UNIMPLEMENTED",
	KindInvalidMethod:         "INVALID_METHOD",
	KindInvalidRequestID:      "INVALID_REQUEST_ID",
	KindInternalError:         "INTERNAL_ERROR",
	KindMissingPermission:     "MISSING_PERMISSION",
	KindInvalidToken:          "INVALID_TOKEN",
	KindNotAuthenticated:      "NOT_AUTHENTICATED",
	KindMessageTooLong:        "MESSAGE_TOO_LONG",
	KindMessageEmpty:          "MESSAGE_EMPTY",
	KindNameTooLong:           "NAME_TOO_LONG",
	KindNameEmpty:             "NAME_EMPTY",
	KindInvalidInvite:         "INVALID_INVITE",
	KindInviteExpired:         "INVITE_EXPIRED",
	KindInviteAlreadyUsed:     "INVITE_ALREADY_USED",
	KindChannelFull:           "CHANNEL_FULL",
	KindAlreadyExists:         "ALREADY_EXISTS",
	KindNoVoiceNodesAvailable: "NO_VOICE_NODES_AVAILABLE",
	KindDatabaseError:         "DATABASE_ERROR",
	KindBlocked:               "BLOCKED",
	KindAlreadyFriends:        "ALREADY_FRIENDS",
	KindAlreadyRequested:      "ALREADY_REQUESTED",
	KindNotFriends:            "NOT_FRIENDS",
	KindInvalidCall:           "INVALID_CALL",
	KindFailedToAuthenticate:  "FAILED_TO_AUTHENTICATE",
	KindAlreadyConnected:      "ALREADY_CONNECTED",
	KindRtcError:              "RTC_ERROR",
	KindSocketError:           "SOCKET_ERROR",
	KindSerializeError:        "SERIALIZE_ERROR",
}

// Tag returns the SCREAMING_SNAKE_CASE wire tag for k, used to populate the
// RPC error response's "error" field.
func (k Kind) Tag() string {
	if tag, ok := tags[k]; ok {
		return tag
	}
	return tags[KindUnknown]
}

// Error is the structured error type carried through the broker and the
// node. Fields is only populated for kinds that need extra context on the
// wire (MissingPermission{permission}, DatabaseError{message}).
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func NewWithFields(kind Kind, message string, fields map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Fields: fields}
}

func MissingPermission(permission string) *Error {
	return NewWithFields(KindMissingPermission, "missing permission", map[string]any{
		"permission": permission,
	})
}

func DatabaseError(message string) *Error {
	return NewWithFields(KindDatabaseError, message, map[string]any{
		"message": message,
	})
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind.Tag(), e.Message)
	}
	return e.Kind.Tag()
}

// Is lets errors.Is(err, apperror.New(KindNotFound, "")) match any *Error
// sharing the same Kind, regardless of Message/Fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Of reports whether err is an *Error of the given kind.
func Of(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e != nil && e.Kind == kind
}
