package bus

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Standard error names replied by exported objects.
const (
	ErrNameFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrNameUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrNameUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrNamePropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrNameInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameTimeout          = "org.freedesktop.DBus.Error.Timeout"
)

var (
	// ErrNotExported is returned when emitting on an exporter whose name has
	// not been acquired yet (or has been released).
	ErrNotExported = errors.New("object not exported")

	// ErrClosed is returned by operations on a closed proxy or connection.
	ErrClosed = errors.New("bus connection closed")
)

// NewError creates a D-Bus error with the given name and message.
func NewError(name, message string) *dbus.Error {
	return &dbus.Error{
		Name: name,
		Body: []interface{}{message},
	}
}

// Failed returns a generic org.freedesktop.DBus.Error.Failed error.
func Failed(format string, args ...any) *dbus.Error {
	return NewError(ErrNameFailed, fmt.Sprintf(format, args...))
}

// InvalidArgs returns an InvalidArgs error.
func InvalidArgs(format string, args ...any) *dbus.Error {
	return NewError(ErrNameInvalidArgs, fmt.Sprintf(format, args...))
}

// RemoteError is returned by Proxy.Call when the peer replied with an error
// or the call could not be delivered.
type RemoteError struct {
	Dest   string
	Method string
	// Name is the D-Bus error name, empty for transport failures.
	Name    string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s on %s: %s: %s", e.Method, e.Dest, e.Name, e.Message)
	}
	return fmt.Sprintf("%s on %s: %v", e.Method, e.Dest, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

func newRemoteError(dest, method string, err error) *RemoteError {
	re := &RemoteError{Dest: dest, Method: method, Err: err}
	var dErr dbus.Error
	var dErrPtr *dbus.Error
	switch {
	case errors.As(err, &dErrPtr):
		re.Name = dErrPtr.Name
		re.Message = errorMessage(dErrPtr)
	case errors.As(err, &dErr):
		re.Name = dErr.Name
		re.Message = errorMessage(&dErr)
	}
	return re
}

func errorMessage(e *dbus.Error) string {
	if len(e.Body) > 0 {
		if s, ok := e.Body[0].(string); ok {
			return s
		}
	}
	return ""
}

// IsErrorName reports whether err is a RemoteError carrying the given
// D-Bus error name.
func IsErrorName(err error, name string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Name == name
}
