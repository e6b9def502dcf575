package client

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsNotFound reports whether err names a dataset or entity the server
// does not know.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// IsNotReady reports whether the dataset exists but has nothing
// queryable yet. Retry once ingestion has completed.
func IsNotReady(err error) bool {
	return status.Code(err) == codes.FailedPrecondition
}

// IsInvalid reports whether the server rejected the request shape.
func IsInvalid(err error) bool {
	return status.Code(err) == codes.InvalidArgument
}
