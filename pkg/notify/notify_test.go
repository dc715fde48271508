package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/publisher/pkg/common/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordedEvent struct {
	eventType, source, key string
	data                   map[string]interface{}
}

type fakePublisher struct {
	events []recordedEvent
	err    error
}

func (f *fakePublisher) PublishEvent(_ context.Context, eventType, source, key string, data map[string]interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, recordedEvent{eventType, source, key, data})
	return nil
}

func newRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	repo := NewRepository(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

// roundTrip mimics the bus by passing the payload through JSON.
func roundTrip(t *testing.T, ev recordedEvent) models.Event {
	t.Helper()
	raw, err := json.Marshal(ev.data)
	require.NoError(t, err)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &data))
	return models.Event{ID: "evt-1", Type: ev.eventType, Source: ev.source, Data: data}
}

func TestKafkaSenderToRepository(t *testing.T) {
	pub := &fakePublisher{}
	sender := NewKafkaSender(pub, "publisher-service")

	err := sender.Create(context.Background(), Notification{
		UserID:  "user-1",
		Type:    TypePublicationPartial,
		Title:   "Publication partially published",
		Message: "Failed: News (telegram)",
		Meta:    map[string]interface{}{"publicationId": "pub-1"},
	})
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	assert.Equal(t, EventNotificationCreated, pub.events[0].eventType)
	assert.Equal(t, "user-1", pub.events[0].key)

	repo := newRepo(t)
	event := roundTrip(t, pub.events[0])
	require.NoError(t, repo.HandleEvent(context.Background(), event))
	require.NoError(t, repo.HandleEvent(context.Background(), event))

	items, err := repo.ListByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Failed: News (telegram)", items[0].Message)
	assert.Equal(t, "pub-1", items[0].Meta["publicationId"])
}

func TestKafkaSenderErrors(t *testing.T) {
	sender := NewKafkaSender(&fakePublisher{err: errors.New("broker down")}, "publisher-service")
	assert.Error(t, sender.Create(context.Background(), Notification{UserID: "u"}))
	assert.Error(t, sender.Create(context.Background(), Notification{}))
}

func TestHandleEventIgnoresOtherTypes(t *testing.T) {
	repo := newRepo(t)
	require.NoError(t, repo.HandleEvent(context.Background(), models.Event{Type: "something.else"}))
	require.NoError(t, repo.HandleEvent(context.Background(), models.Event{Type: EventNotificationCreated, Data: map[string]interface{}{}}))
	items, err := repo.ListByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestHTTPListAndMarkRead(t *testing.T) {
	repo := newRepo(t)
	require.NoError(t, repo.Create(context.Background(), Notification{ID: "n1", UserID: "user-1", Title: "hi"}))

	router := mux.NewRouter()
	NewHandler(repo).Register(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notifications?user_id=user-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []Notification `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Nil(t, body.Items[0].ReadAt)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notifications/n1/read?user_id=user-1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notifications/n1/read?user_id=user-2", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	items, err := repo.ListByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.NotNil(t, items[0].ReadAt)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notifications", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
