package store

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"trail-lapse/pkg/models"
)

type memObject struct {
	meta models.ObjectMeta
	data []byte
}

// MemStore is an in-memory ObjectStore. It backs STORE_BACKEND=memory and the service tests,
// and can inject failures and simulate listings that lag behind deletes.
type MemStore struct {
	mu sync.Mutex

	objects map[string]*memObject // by ID
	clock   time.Time

	listErrs     map[string]error
	downloadErrs map[string]error
	uploadErr    error
	deleteErr    error

	deleteLag int
	lingering map[string]int // deleted ID -> listings it still appears in

	downloadHook func(ctx context.Context, id string)

	downloads map[string]int
	uploads   []string
	deletes   []string
}

func NewMemStore() *MemStore {
	return &MemStore{
		objects:      make(map[string]*memObject),
		clock:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		listErrs:     make(map[string]error),
		downloadErrs: make(map[string]error),
		lingering:    make(map[string]int),
		downloads:    make(map[string]int),
	}
}

// Put adds an object directly, bypassing upload accounting.
func (m *MemStore) Put(containerID, name, mimeType string, created time.Time, data []byte) models.ObjectMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := models.ObjectMeta{
		ID:          ObjectID(containerID, name),
		Name:        name,
		MIMEType:    mimeType,
		CreatedTime: created,
		Size:        int64(len(data)),
	}
	m.objects[meta.ID] = &memObject{meta: meta, data: append([]byte(nil), data...)}
	return meta
}

// FailList makes listings of containerID fail with err. A nil err clears the failure.
func (m *MemStore) FailList(containerID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.listErrs, containerID)
		return
	}
	m.listErrs[containerID] = err
}

// FailDownload makes downloads of id fail with err. A nil err clears the failure.
func (m *MemStore) FailDownload(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.downloadErrs, id)
		return
	}
	m.downloadErrs[id] = err
}

// FailUploads makes every upload fail with err until cleared with nil.
func (m *MemStore) FailUploads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErr = err
}

// FailDeletes makes every delete fail with err until cleared with nil.
func (m *MemStore) FailDeletes(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// SetDeleteLag keeps deleted objects visible in the next n listings of their container.
func (m *MemStore) SetDeleteLag(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLag = n
}

// OnDownload registers a hook run before every download, outside the store's lock.
func (m *MemStore) OnDownload(hook func(ctx context.Context, id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadHook = hook
}

// Downloads returns how many times id has been downloaded.
func (m *MemStore) Downloads(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloads[id]
}

// TotalDownloads returns the number of downloads across all objects.
func (m *MemStore) TotalDownloads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.downloads {
		total += n
	}
	return total
}

// Uploads returns the IDs of every successful upload in order.
func (m *MemStore) Uploads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.uploads...)
}

// Deletes returns the IDs of every successful delete in order.
func (m *MemStore) Deletes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}

// Data returns the stored content of id.
func (m *MemStore) Data(id string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Snapshot lists the live objects of a container, ignoring simulated lag and failures.
func (m *MemStore) Snapshot(containerID string) []models.ObjectMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ObjectMeta
	for _, obj := range m.objects {
		if c, _ := SplitObjectID(obj.meta.ID); c == containerID {
			out = append(out, obj.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemStore) ListContainers(ctx context.Context, parent string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	prefix := strings.TrimSuffix(parent, "/") + "/"
	for id := range m.objects {
		rest, ok := strings.CutPrefix(id, prefix)
		if !ok {
			continue
		}
		if i := strings.Index(rest, "/"); i > 0 {
			seen[rest[:i]] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemStore) EnsureContainer(ctx context.Context, containerID string) error {
	return nil
}

func (m *MemStore) ListObjects(ctx context.Context, containerID string) ([]models.ObjectMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.listErrs[containerID]; ok {
		return nil, opError("list", containerID, err)
	}

	var out []models.ObjectMeta
	for _, obj := range m.objects {
		if c, _ := SplitObjectID(obj.meta.ID); c == containerID {
			out = append(out, obj.meta)
		}
	}
	for id, remaining := range m.lingering {
		if c, _ := SplitObjectID(id); c != containerID {
			continue
		}
		_, name := SplitObjectID(id)
		out = append(out, models.ObjectMeta{ID: id, Name: name, MIMEType: MIMETypeFromName(name)})
		if remaining <= 1 {
			delete(m.lingering, id)
		} else {
			m.lingering[id] = remaining - 1
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) DownloadObject(ctx context.Context, id, localPath string) error {
	m.mu.Lock()
	hook := m.downloadHook
	m.mu.Unlock()
	if hook != nil {
		hook(ctx, id)
	}

	m.mu.Lock()
	if err, ok := m.downloadErrs[id]; ok {
		m.mu.Unlock()
		return opError("download", id, err)
	}
	obj, ok := m.objects[id]
	if !ok {
		m.mu.Unlock()
		return opError("download", id, ErrNotFound)
	}
	data := obj.data
	m.downloads[id]++
	m.mu.Unlock()

	if err := os.WriteFile(localPath, data, 0644); err != nil {
		return opError("download", id, err)
	}
	return nil
}

func (m *MemStore) UploadObject(ctx context.Context, containerID, localPath, name string) (*models.ObjectMeta, error) {
	id := ObjectID(containerID, name)
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, opError("upload", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return nil, opError("upload", id, m.uploadErr)
	}

	created, ok := CaptureTimeFromName(name)
	if !ok {
		// Strictly increasing so the newest upload is unambiguous.
		m.clock = m.clock.Add(time.Second)
		created = m.clock
	}
	meta := models.ObjectMeta{
		ID:          id,
		Name:        name,
		MIMEType:    MIMETypeFromName(name),
		CreatedTime: created,
		Size:        int64(len(data)),
	}
	m.objects[id] = &memObject{meta: meta, data: data}
	delete(m.lingering, id)
	m.uploads = append(m.uploads, id)
	return &meta, nil
}

func (m *MemStore) DeleteObject(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return opError("delete", id, m.deleteErr)
	}
	if _, ok := m.objects[id]; !ok {
		return opError("delete", id, ErrNotFound)
	}
	delete(m.objects, id)
	if m.deleteLag > 0 {
		m.lingering[id] = m.deleteLag
	}
	m.deletes = append(m.deletes, id)
	return nil
}

func (m *MemStore) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("memstore(%d objects)", len(m.objects))
}
