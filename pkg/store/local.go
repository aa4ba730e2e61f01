package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"trail-lapse/pkg/models"
	"trail-lapse/pkg/util"
)

// LocalStore keeps objects as plain files under a root directory, one directory per container.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root %s: %w", root, err)
	}
	log.Info().Str("root", root).Msg("Local object store initialized")
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) resolve(op, rel string) (string, error) {
	if rel == "" {
		return s.root, nil
	}
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", opError(op, rel, fmt.Errorf("path escapes store root"))
	}
	return filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

func (s *LocalStore) ListContainers(ctx context.Context, parent string) ([]string, error) {
	dir, err := s.resolve("list-containers", parent)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, opError("list-containers", parent, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *LocalStore) EnsureContainer(ctx context.Context, containerID string) error {
	dir, err := s.resolve("ensure", containerID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return opError("ensure", containerID, err)
	}
	return nil
}

func (s *LocalStore) ListObjects(ctx context.Context, containerID string) ([]models.ObjectMeta, error) {
	dir, err := s.resolve("list", containerID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, opError("list", containerID, err)
	}

	objects := make([]models.ObjectMeta, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || util.IsTempName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		created, ok := CaptureTimeFromName(e.Name())
		if !ok {
			created = info.ModTime().UTC()
		}
		objects = append(objects, models.ObjectMeta{
			ID:          ObjectID(containerID, e.Name()),
			Name:        e.Name(),
			MIMEType:    MIMETypeFromName(e.Name()),
			CreatedTime: created,
			Size:        info.Size(),
		})
	}
	return objects, nil
}

func (s *LocalStore) DownloadObject(ctx context.Context, id, localPath string) error {
	src, err := s.resolve("download", id)
	if err != nil {
		return err
	}
	if err := util.CopyFile(src, localPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !util.FileExists(src) {
			return opError("download", id, ErrNotFound)
		}
		return opError("download", id, err)
	}
	return nil
}

func (s *LocalStore) UploadObject(ctx context.Context, containerID, localPath, name string) (*models.ObjectMeta, error) {
	id := ObjectID(containerID, name)
	dst, err := s.resolve("upload", id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, opError("upload", id, err)
	}
	if err := util.CopyFile(localPath, dst); err != nil {
		return nil, opError("upload", id, err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, opError("upload", id, err)
	}
	created, ok := CaptureTimeFromName(name)
	if !ok {
		created = time.Now().UTC()
	}
	return &models.ObjectMeta{
		ID:          id,
		Name:        name,
		MIMEType:    MIMETypeFromName(name),
		CreatedTime: created,
		Size:        info.Size(),
	}, nil
}

func (s *LocalStore) DeleteObject(ctx context.Context, id string) error {
	p, err := s.resolve("delete", id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return opError("delete", id, ErrNotFound)
		}
		return opError("delete", id, err)
	}
	return nil
}
