// Package store is the object store the timelapse service persists photos and cached
// animations in. Objects live in containers laid out as {organization}/{trail}; an object
// ID is the container path plus the object name and never changes once assigned.
package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"trail-lapse/pkg/models"
)

// ErrNotFound is returned (wrapped in an OperationError) when an object or container does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the capability set the timelapse service needs from a remote store.
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	// ListContainers returns the names of the child containers of parent (the trails of an organization).
	ListContainers(ctx context.Context, parent string) ([]string, error)

	// EnsureContainer creates the container if the backend has a notion of one.
	EnsureContainer(ctx context.Context, containerID string) error

	// ListObjects returns every object directly inside the container.
	ListObjects(ctx context.Context, containerID string) ([]models.ObjectMeta, error)

	// DownloadObject writes the object's content to localPath.
	DownloadObject(ctx context.Context, id, localPath string) error

	// UploadObject stores the file at localPath under name in the container.
	UploadObject(ctx context.Context, containerID, localPath, name string) (*models.ObjectMeta, error)

	// DeleteObject removes the object. Deleting a missing object returns ErrNotFound.
	DeleteObject(ctx context.Context, id string) error
}

// OperationError wraps any failure of a store operation.
type OperationError struct {
	Op  string
	Key string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func opError(op, key string, err error) error {
	return &OperationError{Op: op, Key: key, Err: err}
}

// ContainerID returns the container holding a trail's objects.
func ContainerID(organizationID, trailID string) string {
	return path.Join(organizationID, trailID)
}

// ObjectID returns the ID of the object named name in containerID.
func ObjectID(containerID, name string) string {
	return path.Join(containerID, name)
}

// SplitObjectID returns the container and name parts of an object ID.
func SplitObjectID(id string) (containerID, name string) {
	i := strings.LastIndex(id, "/")
	if i < 0 {
		return "", id
	}
	return id[:i], id[i+1:]
}
