package state

import (
	"errors"

	"github.com/a-essam23/activitycast/pkg/auth"
)

var (
	ErrUnauthenticated    = auth.ErrUnauthenticated
	ErrAlreadyRegistered  = errors.New("connection is already registered")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrGroupNotFound      = errors.New("group not found")
	ErrNotJoined          = errors.New("connection has not joined group")
)
