package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"drospect/internal/inspection"
	"drospect/internal/tasks"
)

type mockBundles struct{ mock.Mock }

func (m *mockBundles) BuildBundle(ctx context.Context, projectID string) error {
	return m.Called(ctx, projectID).Error(0)
}

type mockResults struct{ mock.Mock }

func (m *mockResults) Process(ctx context.Context, taskID string) error {
	return m.Called(ctx, taskID).Error(0)
}

type mockInspector struct{ mock.Mock }

func (m *mockInspector) Submit(ctx context.Context, req inspection.Request) (*inspection.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*inspection.Response)
	return resp, args.Error(1)
}

func TestHandleZipBuild(t *testing.T) {
	b := new(mockBundles)
	b.On("BuildBundle", mock.Anything, "proj-1").Return(nil).Once()
	b.On("BuildBundle", mock.Anything, "proj-2").Return(errors.New("bucket missing")).Once()
	h := HandleZipBuild(b)

	assert.NoError(t, h(context.Background(), asynq.NewTask(tasks.TypeZipBuild, tasks.Encode(tasks.ZipBuildPayload{ProjectID: "proj-1"}))))

	err := h(context.Background(), asynq.NewTask(tasks.TypeZipBuild, tasks.Encode(tasks.ZipBuildPayload{ProjectID: "proj-2"})))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry, "bundle builds are retried")

	err = h(context.Background(), asynq.NewTask(tasks.TypeZipBuild, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	err = h(context.Background(), asynq.NewTask(tasks.TypeZipBuild, []byte("{}")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	b.AssertExpectations(t)
}

func TestHandleResultProcessingNeverRetries(t *testing.T) {
	r := new(mockResults)
	r.On("Process", mock.Anything, "task-1").Return(nil).Once()
	r.On("Process", mock.Anything, "task-2").Return(errors.New("download results: EOF")).Once()
	h := HandleResultProcessing(r)

	assert.NoError(t, h(context.Background(), asynq.NewTask(tasks.TypeResultProcessing, tasks.Encode(tasks.ResultPayload{TaskID: "task-1"}))))
	err := h(context.Background(), asynq.NewTask(tasks.TypeResultProcessing, tasks.Encode(tasks.ResultPayload{TaskID: "task-2"})))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	r.AssertExpectations(t)
}

func TestHandleInspection(t *testing.T) {
	payload := tasks.InspectionPayload{TaskID: "task-1", ProjectID: "proj-1", RasterURL: "https://cdn.test/o.tif"}
	req := inspection.Request{TaskID: "task-1", ProjectID: "proj-1", RasterURL: "https://cdn.test/o.tif"}
	task := asynq.NewTask(tasks.TypeInspection, tasks.Encode(payload))

	i := new(mockInspector)
	i.On("Submit", mock.Anything, req).Return(&inspection.Response{ID: "insp-9", Status: "queued"}, nil).Once()
	assert.NoError(t, HandleInspection(i)(context.Background(), task))
	i.AssertExpectations(t)

	disabled := new(mockInspector)
	disabled.On("Submit", mock.Anything, req).Return(nil, inspection.ErrDisabled).Once()
	assert.NoError(t, HandleInspection(disabled)(context.Background(), task))

	failing := new(mockInspector)
	failing.On("Submit", mock.Anything, req).Return(nil, errors.New("HTTP 503: unavailable")).Once()
	assert.Error(t, HandleInspection(failing)(context.Background(), task))
}

func TestRegisterHandlersSkipsMissingInspector(t *testing.T) {
	mux := asynq.NewServeMux()
	RegisterHandlers(mux, Deps{Bundles: new(mockBundles), Results: new(mockResults)})

	_, pattern := mux.Handler(asynq.NewTask(tasks.TypeInspection, nil))
	assert.Empty(t, pattern)
	_, pattern = mux.Handler(asynq.NewTask(tasks.TypeZipBuild, nil))
	assert.Equal(t, tasks.TypeZipBuild, pattern)
}
