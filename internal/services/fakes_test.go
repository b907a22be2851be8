package services

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"drospect/internal/engine"
	"drospect/internal/models"
	"drospect/internal/objectstore"
	"drospect/internal/raster"
	"drospect/internal/store/gormstore"
	"drospect/internal/tasks"
)

// fakeEngine records what the services ask of the engine.
type fakeEngine struct {
	mu sync.Mutex

	info        func(taskID string) (*engine.TaskInfo, error)
	infoCalls   int
	startErr    error
	startCalls  int
	uploadErr   error
	cancelErr   error
	archive     []byte
	downloadErr error
	downloads   int

	started   map[string]string
	uploaded  map[string][]string
	cancelled []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{started: map[string]string{}, uploaded: map[string][]string{}}
}

func (f *fakeEngine) setInfo(fn func(taskID string) (*engine.TaskInfo, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = fn
}

func (f *fakeEngine) reportCode(code engine.StatusCode, progress float64, msg string) {
	f.setInfo(func(id string) (*engine.TaskInfo, error) {
		return &engine.TaskInfo{UUID: id, Status: code, Progress: progress, ErrorMessage: msg}, nil
	})
}

func (f *fakeEngine) TaskInfo(_ context.Context, taskID string) (*engine.TaskInfo, error) {
	f.mu.Lock()
	fn := f.info
	f.infoCalls++
	f.mu.Unlock()
	if fn == nil {
		return &engine.TaskInfo{UUID: taskID, Status: engine.StatusRunning}, nil
	}
	return fn(taskID)
}

func (f *fakeEngine) StartFromArchive(_ context.Context, taskID string, _ engine.InitRequest, zipURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.started[taskID] = zipURL
	return nil
}

func (f *fakeEngine) Upload(ctx context.Context, taskID string, _ engine.InitRequest, images []engine.ImageSource) error {
	var names []string
	for _, img := range images {
		rc, err := img.Open(ctx)
		if err != nil {
			return err
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return err
		}
		names = append(names, img.Name())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploaded[taskID] = names
	return nil
}

func (f *fakeEngine) Cancel(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return f.cancelErr
}

func (f *fakeEngine) DownloadAll(_ context.Context, _ string, path string) error {
	f.mu.Lock()
	f.downloads++
	err, data := f.downloadErr, f.archive
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (f *fakeEngine) URLSource(name, url string) engine.ImageSource {
	return staticSource{name: name, data: []byte("remote:" + url)}
}

func (f *fakeEngine) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

func (f *fakeEngine) startedWith(taskID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.started[taskID]
	return u, ok
}

type staticSource struct {
	name string
	data []byte
}

func (s staticSource) Name() string { return s.name }
func (s staticSource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

// fakeJobs records enqueued jobs.
type fakeJobs struct {
	mu          sync.Mutex
	zipErr      error
	resultErr   error
	zipBuilds   []string
	results     []string
	inspections []tasks.InspectionPayload
}

func (j *fakeJobs) EnqueueZipBuild(_ context.Context, projectID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.zipErr != nil {
		return j.zipErr
	}
	j.zipBuilds = append(j.zipBuilds, projectID)
	return nil
}

func (j *fakeJobs) EnqueueResultProcessing(_ context.Context, taskID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.resultErr != nil {
		return j.resultErr
	}
	j.results = append(j.results, taskID)
	return nil
}

func (j *fakeJobs) EnqueueInspection(_ context.Context, p tasks.InspectionPayload) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.inspections = append(j.inspections, p)
	return nil
}

func (j *fakeJobs) Close() error { return nil }

func (j *fakeJobs) resultCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.results)
}

// memLocker has SETNX semantics without expiry.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) Acquire(_ context.Context, projectID string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[projectID] {
		return false, nil
	}
	l.held[projectID] = true
	return true, nil
}

func (l *memLocker) Held(_ context.Context, projectID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[projectID], nil
}

func (l *memLocker) Release(_ context.Context, projectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, projectID)
	return nil
}

// fakeConverter copies instead of converting.
type fakeConverter struct {
	convertErr error
	inspectErr error
	meta       raster.Metadata
}

func (c *fakeConverter) ToCOG(_ context.Context, src, dst string) error {
	if c.convertErr != nil {
		return c.convertErr
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func (c *fakeConverter) Inspect(context.Context, string) (*raster.Metadata, error) {
	if c.inspectErr != nil {
		return nil, c.inspectErr
	}
	m := c.meta
	return &m, nil
}

const (
	testProject     = "proj-1"
	testAccount     = "acct-1"
	startingBalance = 10000
)

type harness struct {
	store    *gormstore.Store
	objects  *objectstore.MemoryStore
	locker   *memLocker
	jobs     *fakeJobs
	engine   *fakeEngine
	conv     *fakeConverter
	refunds  *RefundCoordinator
	zips     *ZipCoordinator
	rec      *Reconciler
	launcher *Launcher
	starter  *AutoStarter
	results  *ResultPipeline
	svc      *TaskService
}

type harnessOption func(*TaskServiceConfig, *ReconcilerConfig)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	st, err := gormstore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.CreateProject(ctx, &models.Project{ID: testProject, OwnerID: testAccount, Name: "Roof survey"}))
	require.NoError(t, st.Deposit(ctx, testAccount, startingBalance, "seed"))

	svcCfg := TaskServiceConfig{PublicBaseURL: "https://orchestrator.test"}
	// loops never fire on their own; tests drive PollOnce
	recCfg := ReconcilerConfig{Interval: time.Hour, ErrorInterval: time.Hour}
	for _, o := range opts {
		o(&svcCfg, &recCfg)
	}

	h := &harness{
		store:   st,
		objects: objectstore.NewMemoryStore("https://cdn.test"),
		locker:  &memLocker{held: map[string]bool{}},
		jobs:    &fakeJobs{},
		engine:  newFakeEngine(),
		conv: &fakeConverter{meta: raster.Metadata{
			Width: 4000, Height: 3000, GroundResolution: 0.05,
			Bounds: [4]float64{8.98, 44.99, 8.99, 45.0},
		}},
	}
	h.refunds = NewRefundCoordinator(st, DefaultCreditsPerImage)
	h.zips = NewZipCoordinator(ZipConfig{}, h.objects, h.locker, h.jobs, st, h.engine)
	h.rec = NewReconciler(recCfg, st, h.engine, h.jobs, h.refunds)
	t.Cleanup(h.rec.Shutdown)
	h.launcher = NewLauncher(st, st, h.engine, h.objects, h.zips, h.rec)
	h.starter = NewAutoStarter(time.Second, st, h.zips, h.launcher, h.refunds)
	h.results = NewResultPipeline(ResultConfig{
		WorkDir:            t.TempDir(),
		TileURLTemplate:    "https://tiles.test/cog/{z}/{x}/{y}.png?url={url}",
		DownloadAttempts:   2,
		DownloadRetryDelay: time.Millisecond,
		Inspection:         true,
	}, st, h.engine, h.objects, h.conv, h.jobs, h.refunds)
	h.svc = NewTaskService(svcCfg, st, h.engine, h.zips, h.launcher, h.rec, h.refunds)
	h.engine.archive = resultArchive(t, true, true)
	return h
}

// addImages stores n images in the object store and registers them.
func (h *harness) addImages(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	images := make([]*models.Image, n)
	for i := range images {
		key := fmt.Sprintf("images/%s/IMG_%04d.JPG", testProject, i)
		require.NoError(t, h.objects.Put(ctx, key, bytes.NewReader([]byte(fmt.Sprintf("jpeg-%d", i))), -1, "image/jpeg"))
		images[i] = &models.Image{ID: fmt.Sprintf("img-%d", i), ProjectID: testProject, FileName: fmt.Sprintf("IMG_%04d.JPG", i), StoragePath: key}
	}
	require.NoError(t, h.store.AddImages(ctx, images))
}

// addImageRefs registers n remote images without storing their bytes.
func (h *harness) addImageRefs(t *testing.T, n int) {
	t.Helper()
	images := make([]*models.Image, n)
	for i := range images {
		images[i] = &models.Image{ID: fmt.Sprintf("ref-%d", i), ProjectID: testProject, FileName: fmt.Sprintf("R_%05d.JPG", i), URL: fmt.Sprintf("https://images.test/%d.jpg", i)}
	}
	require.NoError(t, h.store.AddImages(context.Background(), images))
}

func (h *harness) putBundle(t *testing.T) {
	t.Helper()
	h.putProjectBundle(t, testProject)
}

func (h *harness) putProjectBundle(t *testing.T, projectID string) {
	t.Helper()
	require.NoError(t, h.objects.Put(context.Background(), h.zips.BundleKey(projectID), bytes.NewReader([]byte("PK")), 2, "application/zip"))
}

// addProject registers another project owned by the test account.
func (h *harness) addProject(t *testing.T, projectID string) {
	t.Helper()
	require.NoError(t, h.store.CreateProject(context.Background(), &models.Project{ID: projectID, OwnerID: testAccount, Name: projectID}))
}

func (h *harness) balance(t *testing.T) int {
	t.Helper()
	b, err := h.store.Balance(context.Background(), testAccount)
	require.NoError(t, err)
	return b
}

func (h *harness) task(t *testing.T, id string) *models.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

// seedTask inserts a task directly in the given status and charges it.
func (h *harness) seedTask(t *testing.T, status models.TaskStatus, images int) *models.Task {
	t.Helper()
	return h.seedProjectTask(t, testProject, status, images)
}

func (h *harness) seedProjectTask(t *testing.T, projectID string, status models.TaskStatus, images int) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		AccountID:   testAccount,
		ImagesCount: images,
		Model:       models.FlightModelLow,
		Split:       models.SplitPlan{Chunks: 1, ImagesPerChunk: images},
		Status:      status,
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task, h.refunds.Charge(images)))
	return task
}

func resultArchive(t *testing.T, preview, geo bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string]string{"odm_report/report.pdf": "report"}
	if preview {
		files["odm_orthophoto/odm_orthophoto.png"] = "png-bytes"
	}
	if geo {
		files["odm_orthophoto/odm_orthophoto.tif"] = "tif-bytes"
	}
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
