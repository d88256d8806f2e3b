package models

import "errors"

// Geometry errors.
var (
	ErrInvalidAxis        = errors.New("invalid axis")
	ErrIndexOutOfBounds   = errors.New("index out of bounds")
	ErrDimensionMismatch  = errors.New("dimension mismatch")
	ErrInvalidGeometry    = errors.New("invalid geometry")
	ErrUnsupportedScalars = errors.New("unsupported scalar type")
)

// Naming errors.
var (
	ErrInvalidName   = errors.New("invalid name")
	ErrDuplicateName = errors.New("duplicate name")
	ErrNotFound      = errors.New("not found")
)

// Workspace errors. ErrWorkspaceCorrupt aborts a load, ErrLoadError is
// reported per item while the rest of the workspace loads.
var (
	ErrWorkspaceCorrupt = errors.New("workspace corrupt")
	ErrLoadError        = errors.New("load error")
)

// Remote errors.
var (
	ErrServer       = errors.New("server error")
	ErrNetwork      = errors.New("network error")
	ErrTimeout      = errors.New("timeout")
	ErrUnauthorized = errors.New("unauthorized")
)

// State errors are user-visible preconditions.
var (
	ErrNoActiveLayer  = errors.New("no active layer")
	ErrNoVolumeLoaded = errors.New("no volume loaded")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidAxis, "InvalidAxis"},
	{ErrIndexOutOfBounds, "IndexOutOfBounds"},
	{ErrDimensionMismatch, "DimensionMismatch"},
	{ErrInvalidGeometry, "InvalidGeometry"},
	{ErrUnsupportedScalars, "UnsupportedScalarType"},
	{ErrInvalidName, "InvalidName"},
	{ErrDuplicateName, "DuplicateName"},
	{ErrNotFound, "NotFound"},
	{ErrWorkspaceCorrupt, "WorkspaceCorrupt"},
	{ErrLoadError, "LoadError"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrTimeout, "Timeout"},
	{ErrServer, "ServerError"},
	{ErrNetwork, "NetworkError"},
	{ErrNoActiveLayer, "NoActiveLayer"},
	{ErrNoVolumeLoaded, "NoVolumeLoaded"},
}

// Kind names the taxonomy entry err belongs to, or "Error" when it matches none.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Error"
}
